package routing

import (
	"fmt"

	"fleet-registry/store"
)

/*
/fleet-router/queues/seq/<family>                  last issued sequence
/fleet-router/queues/items/<family>/<seq:%020d>    QueueEntry
/fleet-router/inflight/<requestId>                 InFlightRoute
/fleet-router/parties/<reservationId>              PartyAllocation
/fleet-router/active/players/<playerId>            slot id
/fleet-router/active/slots/<slotId>/<playerId>     reverse index for slot teardown
/fleet-router/reservations/<slotId>                reserved units not yet confirmed
/fleet-router/arrivals/<slotId>/<playerId>         confirmed at, unix millis, until a heartbeat counts the player
*/

const routerRoot = "/fleet-router"

func queueSeqKey(family string) string {
	return store.Key(routerRoot, "queues", "seq", family)
}

func queueSeqPrefix() string {
	return store.Prefix(routerRoot, "queues", "seq")
}

func queueItemPrefix(family string) string {
	return store.Prefix(routerRoot, "queues", "items", family)
}

func queueItemKey(family string, seq uint64) string {
	return store.Key(routerRoot, "queues", "items", family, fmt.Sprintf("%020d", seq))
}

func inFlightKey(requestID string) string {
	return store.Key(routerRoot, "inflight", requestID)
}

func inFlightPrefix() string {
	return store.Prefix(routerRoot, "inflight")
}

func partyKey(reservationID string) string {
	return store.Key(routerRoot, "parties", reservationID)
}

func partyPrefix() string {
	return store.Prefix(routerRoot, "parties")
}

func activePlayerKey(playerID string) string {
	return store.Key(routerRoot, "active", "players", playerID)
}

func activeSlotPrefix(slotID string) string {
	return store.Prefix(routerRoot, "active", "slots", slotID)
}

func activeSlotKey(slotID, playerID string) string {
	return store.Key(routerRoot, "active", "slots", slotID, playerID)
}

func reservationKey(slotID string) string {
	return store.Key(routerRoot, "reservations", slotID)
}

func reservationPrefix() string {
	return store.Prefix(routerRoot, "reservations")
}

func arrivalKey(slotID, playerID string) string {
	return store.Key(routerRoot, "arrivals", slotID, playerID)
}

func arrivalPrefix(slotID string) string {
	return store.Prefix(routerRoot, "arrivals", slotID)
}

func arrivalsPrefix() string {
	return store.Prefix(routerRoot, "arrivals")
}
