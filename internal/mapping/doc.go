// Package mapping defines the data model shared by the classifier,
// protocol handlers, and orchestrator.
//
// The central type is GroupMapping: the persisted record of which native
// groups and scenes were provisioned for one logical grouping (a group,
// scene, area, floor, or label). Mappings are replaced wholesale on every
// provision pass and round-trip losslessly through JSON, so a restart can
// rebuild the full picture from storage.
//
// ResourceRef strings ("zha:group:5", "zwave_js:scene:ha_scene_movie_zwave_js:100")
// form the managed-resources index used for teardown and orphan detection.
package mapping
