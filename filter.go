package livequery

import "gopkg.in/mgo.v2/bson"

// buildCoarseFilter implements the distilled spec's "coarse" server-side
// filter strategy: restrict only by namespace, let every opcode for a
// watched namespace through. Always correct, potentially noisy.
func buildCoarseFilter(namespaces []string, watermark Timestamp) bson.M {
	query := bson.M{"ts": bson.M{"$gt": watermark}}
	switch len(namespaces) {
	case 0:
		// Unreachable: Run rejects an empty registry before getting here.
	case 1:
		query["ns"] = namespaces[0]
	default:
		query["ns"] = bson.M{"$in": namespaces}
	}
	return query
}

// buildFineFilter implements the distilled spec's preferred "fine-grained"
// strategy: OR together every registered LiveQuery's own filter branches
// (see LiveQuery.serverFilterBranches).
func buildFineFilter(branches []bson.M, watermark Timestamp) bson.M {
	query := bson.M{"ts": bson.M{"$gt": watermark}}
	switch len(branches) {
	case 0:
		// Unreachable: Run rejects an empty registry before getting here.
	case 1:
		for k, v := range branches[0] {
			query[k] = v
		}
	default:
		query["$or"] = branches
	}
	return query
}
