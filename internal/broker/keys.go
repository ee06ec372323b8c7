package broker

// Redis keyspace. All keys live under one prefix so a shared Redis can host
// other tenants. The scripts build per-instance and per-run keys from these
// prefixes at runtime, which assumes a single Redis node (no cluster slot
// declarations), the same deployment shape the lock table requires anyway.
//
//	metropolis:ready                 LIST   instance IDs eligible to run, FIFO
//	metropolis:delayed               ZSET   instance ID -> retry due time (unix ms)
//	metropolis:running               SET    instance IDs currently leased
//	metropolis:dead                  SET    dead-lettered instance IDs
//	metropolis:instance:{id}         HASH   per-instance scheduling state
//	metropolis:run:{id}:instances    SET    all instance IDs of a run
//	metropolis:run:{id}:deps         HASH   instance ID -> unmet dependency count
//	metropolis:run:{id}:children     HASH   node ID -> dependent instance IDs (CSV)
//	metropolis:run:{id}:cancelled    STRING presence marks the run cancelled
const (
	keyReady   = "metropolis:ready"
	keyDelayed = "metropolis:delayed"
	keyRunning = "metropolis:running"
	keyDead    = "metropolis:dead"

	instancePrefix = "metropolis:instance:"
	runPrefix      = "metropolis:run:"
)

func instanceKey(instanceID string) string {
	return instancePrefix + instanceID
}

func runInstancesKey(runID string) string {
	return runPrefix + runID + ":instances"
}

func runDepsKey(runID string) string {
	return runPrefix + runID + ":deps"
}

func runChildrenKey(runID string) string {
	return runPrefix + runID + ":children"
}

func runCancelledKey(runID string) string {
	return runPrefix + runID + ":cancelled"
}
