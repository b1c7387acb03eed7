package platform

// Snapshot is an immutable point-in-time copy of the platform registries
// and states. Lookups are index-backed; build indexes once in NewSnapshot
// and treat the snapshot as read-only afterwards.
type Snapshot struct {
	Entities []Entity
	Devices  []Device
	Areas    []Area
	Floors   []Floor
	Labels   []Label
	States   []State

	entityByID map[string]int
	deviceByID map[string]int
	stateByID  map[string]int
}

// NewSnapshot builds lookup indexes over the supplied registry contents.
func NewSnapshot(entities []Entity, devices []Device, areas []Area, floors []Floor, labels []Label, states []State) *Snapshot {
	s := &Snapshot{
		Entities: entities,
		Devices:  devices,
		Areas:    areas,
		Floors:   floors,
		Labels:   labels,
		States:   states,

		entityByID: make(map[string]int, len(entities)),
		deviceByID: make(map[string]int, len(devices)),
		stateByID:  make(map[string]int, len(states)),
	}

	for i, e := range entities {
		s.entityByID[e.EntityID] = i
	}
	for i, d := range devices {
		s.deviceByID[d.ID] = i
	}
	for i, st := range states {
		s.stateByID[st.EntityID] = i
	}

	return s
}

// Entity looks up an entity registry entry by entity id.
func (s *Snapshot) Entity(entityID string) (Entity, bool) {
	i, ok := s.entityByID[entityID]
	if !ok {
		return Entity{}, false
	}
	return s.Entities[i], true
}

// Device looks up a device registry entry by device id.
func (s *Snapshot) Device(deviceID string) (Device, bool) {
	i, ok := s.deviceByID[deviceID]
	if !ok {
		return Device{}, false
	}
	return s.Devices[i], true
}

// State looks up the state of an entity.
func (s *Snapshot) State(entityID string) (*State, bool) {
	i, ok := s.stateByID[entityID]
	if !ok {
		return nil, false
	}
	return &s.States[i], true
}

// StatesByDomain returns all states whose entity id carries the domain.
func (s *Snapshot) StatesByDomain(domain string) []State {
	prefix := domain + "."
	var out []State
	for _, st := range s.States {
		if len(st.EntityID) > len(prefix) && st.EntityID[:len(prefix)] == prefix {
			out = append(out, st)
		}
	}
	return out
}

// EntitiesForArea returns primary, visible entities assigned to an area,
// either directly or through their device. An entity-level area assignment
// overrides the device's.
func (s *Snapshot) EntitiesForArea(areaID string) []string {
	seen := make(map[string]bool)
	var out []string

	for _, e := range s.Entities {
		if e.Category != "" || e.HiddenBy != "" {
			continue
		}
		switch {
		case e.AreaID == areaID:
		case e.AreaID == "" && e.DeviceID != "":
			d, ok := s.Device(e.DeviceID)
			if !ok || d.AreaID != areaID {
				continue
			}
		default:
			continue
		}
		if !seen[e.EntityID] {
			seen[e.EntityID] = true
			out = append(out, e.EntityID)
		}
	}

	return out
}

// EntitiesForFloor returns primary, visible entities in every area on a floor.
func (s *Snapshot) EntitiesForFloor(floorID string) []string {
	seen := make(map[string]bool)
	var out []string

	for _, area := range s.Areas {
		if area.FloorID != floorID {
			continue
		}
		for _, id := range s.EntitiesForArea(area.ID) {
			if !seen[id] {
				seen[id] = true
				out = append(out, id)
			}
		}
	}

	return out
}

// EntitiesForLabel returns visible entities carrying a label, either
// directly or through their device. Hidden entities are skipped; entity
// category is not filtered here, matching label semantics of "explicitly
// tagged".
func (s *Snapshot) EntitiesForLabel(labelID string) []string {
	seen := make(map[string]bool)
	var out []string

	add := func(entityID string) {
		if !seen[entityID] {
			seen[entityID] = true
			out = append(out, entityID)
		}
	}

	labeledDevices := make(map[string]bool)
	for _, d := range s.Devices {
		for _, l := range d.Labels {
			if l == labelID {
				labeledDevices[d.ID] = true
				break
			}
		}
	}

	for _, e := range s.Entities {
		if e.HiddenBy != "" {
			continue
		}
		direct := false
		for _, l := range e.Labels {
			if l == labelID {
				direct = true
				break
			}
		}
		if direct || labeledDevices[e.DeviceID] {
			add(e.EntityID)
		}
	}

	return out
}

// DeviceByIdentifier finds a device carrying the given (domain, id) pair.
func (s *Snapshot) DeviceByIdentifier(domain, id string) (Device, bool) {
	for _, d := range s.Devices {
		for _, ident := range d.Identifiers {
			if ident.Domain == domain && ident.ID == id {
				return d, true
			}
		}
	}
	return Device{}, false
}
