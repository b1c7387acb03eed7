package mapping

import (
	"encoding/json"
	"testing"
)

func TestCapabilityRank(t *testing.T) {
	if !(CapabilityBinary.Rank() < CapabilityDimmer.Rank() &&
		CapabilityDimmer.Rank() < CapabilityColor.Rank()) {
		t.Error("capability ordering should be binary < dimmer < color")
	}
	if Capability("bogus").Rank() >= CapabilityBinary.Rank() {
		t.Error("unknown capability should rank below binary")
	}
}

func TestProtocolValid(t *testing.T) {
	tests := []struct {
		protocol Protocol
		want     bool
	}{
		{ProtocolZWaveJS, true},
		{ProtocolZigbee2MQTT, true},
		{ProtocolZHA, true},
		{ProtocolUnknown, false},
		{Protocol("thread"), false},
	}

	for _, tt := range tests {
		if got := tt.protocol.Valid(); got != tt.want {
			t.Errorf("Protocol(%q).Valid() = %v, want %v", tt.protocol, got, tt.want)
		}
	}
}

func TestNativeGroupName(t *testing.T) {
	tests := []struct {
		key      string
		protocol Protocol
		want     string
	}{
		{"group.kitchen", ProtocolZigbee2MQTT, "ha_group_kitchen_zigbee2mqtt"},
		{"scene.movie_night", ProtocolZWaveJS, "ha_scene_movie_night_zwave_js"},
		{"area.living_room", ProtocolZHA, "ha_area_living_room_zha"},
	}

	for _, tt := range tests {
		if got := NativeGroupName(tt.key, tt.protocol); got != tt.want {
			t.Errorf("NativeGroupName(%q, %q) = %q, want %q", tt.key, tt.protocol, got, tt.want)
		}
	}
}

func TestKeyType(t *testing.T) {
	tests := []struct {
		key    string
		want   GroupingType
		wantOK bool
	}{
		{"group.kitchen", GroupingGroup, true},
		{"scene.movie", GroupingScene, true},
		{"area.hall", GroupingArea, true},
		{"floor.upstairs", GroupingFloor, true},
		{"label.holiday", GroupingLabel, true},
		{"light.bulb", "", false},
		{"kitchen", "", false},
	}

	for _, tt := range tests {
		got, ok := KeyType(tt.key)
		if got != tt.want || ok != tt.wantOK {
			t.Errorf("KeyType(%q) = (%q, %v), want (%q, %v)", tt.key, got, ok, tt.want, tt.wantOK)
		}
	}
}

func TestResourceRefRoundTrip(t *testing.T) {
	tests := []struct {
		name string
		ref  ResourceRef
		str  string
	}{
		{
			name: "group ref",
			ref:  GroupResource(ProtocolZHA, "5"),
			str:  "zha:group:5",
		},
		{
			name: "group ref by name",
			ref:  GroupResource(ProtocolZigbee2MQTT, "ha_group_kitchen_zigbee2mqtt"),
			str:  "zigbee2mqtt:group:ha_group_kitchen_zigbee2mqtt",
		},
		{
			name: "scene ref",
			ref:  SceneResource(ProtocolZWaveJS, "ha_scene_movie_zwave_js", 100),
			str:  "zwave_js:scene:ha_scene_movie_zwave_js:100",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.ref.String(); got != tt.str {
				t.Fatalf("String() = %q, want %q", got, tt.str)
			}

			parsed, err := ParseResourceRef(tt.str)
			if err != nil {
				t.Fatalf("ParseResourceRef(%q) error: %v", tt.str, err)
			}
			if parsed != tt.ref {
				t.Errorf("ParseResourceRef(%q) = %+v, want %+v", tt.str, parsed, tt.ref)
			}
		})
	}
}

func TestParseResourceRefMalformed(t *testing.T) {
	for _, s := range []string{"", "zha", "zha:group", "zha:scene:name", "zha:scene:name:abc", "zha:widget:5"} {
		if _, err := ParseResourceRef(s); err == nil {
			t.Errorf("ParseResourceRef(%q) should fail", s)
		}
	}
}

func TestGroupMappingJSONRoundTrip(t *testing.T) {
	m := NewGroupMapping("scene.movie_night", GroupingScene)
	m.NativeGroups["zwave_js_dimmer"] = NativeGroupRef{
		Protocol:        ProtocolZWaveJS,
		GroupID:         "4097",
		GroupName:       "ha_scene_movie_night_zwave_js",
		MemberEntityIDs: []string{"light.lamp", "light.strip"},
		MemberNativeIDs: []string{"12", "14"},
	}
	m.NativeScenes[string(ProtocolZWaveJS)] = NativeSceneRef{
		Protocol:        ProtocolZWaveJS,
		GroupName:       "ha_scene_movie_night_zwave_js",
		SceneID:         101,
		MemberEntityIDs: []string{"light.lamp", "light.strip"},
	}
	m.UngroupedEntities = []string{"light.wifi_bulb"}
	m.SyncError = ""

	data, err := json.Marshal(m)
	if err != nil {
		t.Fatalf("Marshal() error: %v", err)
	}

	var got GroupMapping
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("Unmarshal() error: %v", err)
	}

	if got.Key != m.Key || got.Type != m.Type {
		t.Errorf("identity fields lost: got (%q, %q)", got.Key, got.Type)
	}
	ref, ok := got.NativeGroups["zwave_js_dimmer"]
	if !ok {
		t.Fatal("native group lost in round trip")
	}
	if ref.GroupID != "4097" || len(ref.MemberNativeIDs) != 2 {
		t.Errorf("native group fields lost: %+v", ref)
	}
	scene := got.NativeScenes[string(ProtocolZWaveJS)]
	if scene.SceneID != 101 {
		t.Errorf("scene id lost: %+v", scene)
	}
	if len(got.UngroupedEntities) != 1 {
		t.Errorf("ungrouped entities lost: %v", got.UngroupedEntities)
	}
}

func TestGroupMappingMemberEntityIDs(t *testing.T) {
	m := NewGroupMapping("group.kitchen", GroupingGroup)
	m.NativeGroups["zha"] = NativeGroupRef{
		Protocol:        ProtocolZHA,
		MemberEntityIDs: []string{"light.a", "light.b"},
	}
	m.NativeScenes["zha"] = NativeSceneRef{
		Protocol:        ProtocolZHA,
		MemberEntityIDs: []string{"light.b", "light.c"},
	}
	m.UngroupedEntities = []string{"light.c", "light.d"}

	got := m.MemberEntityIDs()
	if len(got) != 4 {
		t.Errorf("MemberEntityIDs() = %v, want 4 unique ids", got)
	}
}

func TestGroupMappingDeepCopy(t *testing.T) {
	m := NewGroupMapping("group.kitchen", GroupingGroup)
	m.NativeGroups["zha"] = NativeGroupRef{
		Protocol:        ProtocolZHA,
		GroupID:         "3",
		MemberEntityIDs: []string{"light.a"},
		MemberNativeIDs: []string{"00:11:22:33:44:55:66:77"},
	}
	m.UngroupedEntities = []string{"light.x"}

	cpy := m.DeepCopy()
	cpy.UngroupedEntities[0] = "light.mutated"
	ref := cpy.NativeGroups["zha"]
	ref.MemberEntityIDs[0] = "light.mutated"

	if m.UngroupedEntities[0] != "light.x" {
		t.Error("DeepCopy() shares ungrouped slice with original")
	}
	if m.NativeGroups["zha"].MemberEntityIDs[0] != "light.a" {
		t.Error("DeepCopy() shares member slices with original")
	}

	if (*GroupMapping)(nil).DeepCopy() != nil {
		t.Error("DeepCopy() of nil should be nil")
	}
}
