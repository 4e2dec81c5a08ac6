package fleet

import (
	"fleet-registry/identifier"
	"fleet-registry/store"
)

/*
/fleet-registry/active/<id>        entity, AVAILABLE
/fleet-registry/unavailable/<id>   entity, UNAVAILABLE since
/fleet-registry/dead/<id>          archived snapshot, DEAD since
/fleet-registry/heartbeats/<id>    last heartbeat, unix millis
*/

const registryRoot = "/fleet-registry"

func keyspace(status Status) string {
	switch status {
	case StatusUnavailable:
		return "unavailable"
	case StatusDead:
		return "dead"
	default:
		return "active"
	}
}

// statusOf maps a keyspace name back to the status it holds.
func statusOf(space string) (Status, bool) {
	switch space {
	case "active":
		return StatusAvailable, true
	case "unavailable":
		return StatusUnavailable, true
	case "dead":
		return StatusDead, true
	}
	return "", false
}

// freshness orders statuses for merging: lower is fresher.
func freshness(status Status) int {
	switch status {
	case StatusAvailable:
		return 0
	case StatusUnavailable:
		return 1
	}
	return 2
}

func registryPrefix() string {
	return store.Prefix(registryRoot)
}

func entityKey(status Status, id identifier.ID) string {
	return store.Key(registryRoot, keyspace(status), id.String())
}

func entityPrefix(status Status) string {
	return store.Prefix(registryRoot, keyspace(status))
}

func heartbeatKey(id identifier.ID) string {
	return store.Key(registryRoot, "heartbeats", id.String())
}

func heartbeatPrefix() string {
	return store.Prefix(registryRoot, "heartbeats")
}
