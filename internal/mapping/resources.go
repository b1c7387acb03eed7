package mapping

import (
	"fmt"
	"strconv"
	"strings"
)

// Resource reference kinds.
const (
	ResourceGroup = "group"
	ResourceScene = "scene"
)

// ResourceRef identifies one provisioned native resource in the managed
// index, so teardown can run from persisted state alone.
//
// String forms:
//
//	<protocol>:group:<group_id_or_name>
//	<protocol>:scene:<group_name>:<scene_id>
type ResourceRef struct {
	Protocol Protocol
	Kind     string
	Target   string // group id for group refs, group name for scene refs
	SceneID  int    // set for scene refs
}

// GroupResource builds a group resource reference.
func GroupResource(protocol Protocol, target string) ResourceRef {
	return ResourceRef{Protocol: protocol, Kind: ResourceGroup, Target: target}
}

// SceneResource builds a scene resource reference.
func SceneResource(protocol Protocol, groupName string, sceneID int) ResourceRef {
	return ResourceRef{Protocol: protocol, Kind: ResourceScene, Target: groupName, SceneID: sceneID}
}

// String renders the reference in its persisted form.
func (r ResourceRef) String() string {
	if r.Kind == ResourceScene {
		return fmt.Sprintf("%s:scene:%s:%d", r.Protocol, r.Target, r.SceneID)
	}
	return fmt.Sprintf("%s:group:%s", r.Protocol, r.Target)
}

// ParseResourceRef parses a persisted reference string. Malformed refs
// return an error rather than a partial struct; cleanup logs and skips them.
func ParseResourceRef(s string) (ResourceRef, error) {
	parts := strings.Split(s, ":")
	if len(parts) < 3 {
		return ResourceRef{}, fmt.Errorf("malformed resource ref %q", s)
	}

	ref := ResourceRef{Protocol: Protocol(parts[0]), Kind: parts[1]}

	switch ref.Kind {
	case ResourceGroup:
		ref.Target = strings.Join(parts[2:], ":")
	case ResourceScene:
		if len(parts) < 4 {
			return ResourceRef{}, fmt.Errorf("malformed scene ref %q", s)
		}
		sceneID, err := strconv.Atoi(parts[len(parts)-1])
		if err != nil {
			return ResourceRef{}, fmt.Errorf("malformed scene id in ref %q: %w", s, err)
		}
		ref.Target = strings.Join(parts[2:len(parts)-1], ":")
		ref.SceneID = sceneID
	default:
		return ResourceRef{}, fmt.Errorf("unknown resource kind in ref %q", s)
	}

	return ref, nil
}
