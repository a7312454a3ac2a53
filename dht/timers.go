package dht

import (
	"github.com/cenkalti/magnetdht/dht/routingtable"
	"github.com/cenkalti/magnetdht/krpc"
)

// expandRoute implements the expand-route timer of spec.md §4.5: issue
// find_node(self_id) to nodes nearest self (table growth around us), then
// find_node(random_id_in_bucket) for a sampling of sparse buckets, across
// the main table and every auxiliary table.
func (e *Engine) expandRoute() {
	e.expandRouteOn(e.rt)
	for _, aux := range e.auxRT {
		e.expandRouteOn(aux)
	}
}

func (e *Engine) expandRouteOn(rt *routingtable.RoutingTable) {
	if !rt.IsFull() {
		self := rt.Self()
		for _, via := range rt.KNearestGoodNodes(self, routingtable.K) {
			target := self
			e.sendQuery(rt, via, krpc.MethodFindNode, func(a *krpc.QueryArgs) {
				a.Target = &target
			})
		}
	}
	for _, xt := range rt.SelectExpandRouteTargets() {
		target := xt.Target
		e.sendQuery(rt, xt.Via, krpc.MethodFindNode, func(a *krpc.QueryArgs) {
			a.Target = &target
		})
	}
}

// reportStat implements the report-stat timer: log counters and sizes.
func (e *Engine) reportStat() {
	e.log.Infoln(e.rt.Stat())
	stats := e.throttle.Stats()
	e.log.Infof("transactions=%d blacklist=%d get_peers_requests=%d throttler_queue=%d throttler_drops=%d observed_infohashes=%d",
		e.txm.Len(), e.blacklist.Len(), e.getPeers.Len(), stats.QueueLen, stats.DropCount, len(e.observed))
}

// refreshNodes implements the refresh-nodes timer: GC the blacklist, GC
// every routing table, mark questionable nodes as awaiting a liveness
// probe and ping them, GC the transaction manager, and re-bootstrap if the
// main table is empty.
func (e *Engine) refreshNodes() {
	e.blacklist.GC()
	e.txm.GC()

	e.refreshNodesOn(e.rt)
	for _, aux := range e.auxRT {
		e.refreshNodesOn(aux)
	}

	if e.rt.Size() == 0 {
		e.Bootstrap()
	}
}

func (e *Engine) refreshNodesOn(rt *routingtable.RoutingTable) {
	rt.GC()
	for _, n := range rt.QuestionableEntries() {
		rt.MarkResponseRequired(n.ID)
		e.sendQuery(rt, n, krpc.MethodPing, nil)
	}
}
