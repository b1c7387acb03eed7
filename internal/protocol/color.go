package protocol

import "math"

// Color temperature bounds for the warm/cold channel mapping (Kelvin).
const (
	colorTempMinKelvin = 2700
	colorTempMaxKelvin = 6500
)

// buildColorValue translates the color fields of a service call into the
// Color Switch CC channel-value map. Returns nil when the call carries no
// color information.
func buildColorValue(data map[string]any) map[string]int {
	if rgb, ok := numTuple(data["rgb_color"], 3); ok {
		return map[string]int{"red": rgb[0], "green": rgb[1], "blue": rgb[2]}
	}

	if rgbw, ok := numTuple(data["rgbw_color"], 4); ok {
		return map[string]int{"red": rgbw[0], "green": rgbw[1], "blue": rgbw[2], "warmWhite": rgbw[3]}
	}

	if rgbww, ok := numTuple(data["rgbww_color"], 5); ok {
		return map[string]int{
			"red": rgbww[0], "green": rgbww[1], "blue": rgbww[2],
			"warmWhite": rgbww[3], "coldWhite": rgbww[4],
		}
	}

	if hs, ok := floatTuple(data["hs_color"], 2); ok {
		r, g, b := hsToRGB(hs[0], hs[1])
		return map[string]int{"red": r, "green": g, "blue": b}
	}

	if xy, ok := floatTuple(data["xy_color"], 2); ok {
		r, g, b := xyToRGB(xy[0], xy[1])
		return map[string]int{"red": r, "green": g, "blue": b}
	}

	if _, hasMireds := data["color_temp"]; hasMireds {
		return colorTempToWhiteChannels(data)
	}
	if _, hasKelvin := data["color_temp_kelvin"]; hasKelvin {
		return colorTempToWhiteChannels(data)
	}

	return nil
}

// hsToRGB converts hue (0-360) and saturation (0-100) to RGB at full value.
func hsToRGB(hue, saturation float64) (r, g, b int) {
	h := math.Mod(hue, 360) / 60
	s := saturation / 100
	v := 1.0

	i := int(h) % 6
	f := h - math.Floor(h)
	p := v * (1 - s)
	q := v * (1 - f*s)
	t := v * (1 - (1-f)*s)

	var rf, gf, bf float64
	switch i {
	case 0:
		rf, gf, bf = v, t, p
	case 1:
		rf, gf, bf = q, v, p
	case 2:
		rf, gf, bf = p, v, t
	case 3:
		rf, gf, bf = p, q, v
	case 4:
		rf, gf, bf = t, p, v
	default:
		rf, gf, bf = v, p, q
	}

	return int(rf * 255), int(gf * 255), int(bf * 255)
}

// xyToRGB converts CIE xy chromaticity to RGB via the sRGB matrix,
// assuming full luminance. An approximation good enough for multicast.
func xyToRGB(x, y float64) (r, g, b int) {
	if y <= 0 {
		return 0, 0, 0
	}

	yy := 1.0
	xx := (yy / y) * x
	zz := (yy / y) * (1.0 - x - y)

	rf := xx*3.2406 - yy*1.5372 - zz*0.4986
	gf := -xx*0.9689 + yy*1.8758 + zz*0.0415
	bf := xx*0.0557 - yy*0.2040 + zz*1.0570

	clamp := func(v float64) float64 {
		return math.Max(0, math.Min(1, v))
	}

	return int(clamp(rf) * 255), int(clamp(gf) * 255), int(clamp(bf) * 255)
}

// colorTempToWhiteChannels maps a color temperature onto warm/cold white
// channel values: 2700K is full warm, 6500K full cold.
func colorTempToWhiteChannels(data map[string]any) map[string]int {
	kelvin := 4000.0
	if k, ok := numValue(data["color_temp_kelvin"]); ok {
		kelvin = k
	} else if mireds, ok := numValue(data["color_temp"]); ok && mireds > 0 {
		kelvin = 1000000 / mireds
	}

	kelvin = math.Max(colorTempMinKelvin, math.Min(colorTempMaxKelvin, kelvin))
	ratio := (kelvin - colorTempMinKelvin) / (colorTempMaxKelvin - colorTempMinKelvin)

	return map[string]int{
		"warmWhite": int((1 - ratio) * 255),
		"coldWhite": int(ratio * 255),
	}
}

// numTuple coerces a JSON-decoded array of numbers into n ints.
func numTuple(v any, n int) ([]int, bool) {
	fs, ok := floatTuple(v, n)
	if !ok {
		return nil, false
	}
	out := make([]int, n)
	for i, f := range fs {
		out[i] = int(f)
	}
	return out, true
}

// floatTuple coerces a JSON-decoded array of numbers into n floats.
func floatTuple(v any, n int) ([]float64, bool) {
	items, ok := v.([]any)
	if !ok {
		switch typed := v.(type) {
		case []int:
			items = make([]any, len(typed))
			for i, x := range typed {
				items[i] = x
			}
		case []float64:
			items = make([]any, len(typed))
			for i, x := range typed {
				items[i] = x
			}
		default:
			return nil, false
		}
	}
	if len(items) != n {
		return nil, false
	}

	out := make([]float64, n)
	for i, item := range items {
		f, ok := numValue(item)
		if !ok {
			return nil, false
		}
		out[i] = f
	}
	return out, true
}
