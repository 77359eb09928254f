package vault

// Placer picks which shard accepts a new object: first-fit over shard ids
// 1..shards in ascending order, so low-numbered shards fill up first.
type Placer struct {
	ledger  *Ledger
	shards  int
	limitMB float64
}

// NewPlacer creates a placement controller over the given ledger.
func NewPlacer(ledger *Ledger, shards int, limitMB float64) *Placer {
	return &Placer{
		ledger:  ledger,
		shards:  shards,
		limitMB: limitMB,
	}
}

// Shards returns the number of configured shards.
func (p *Placer) Shards() int { return p.shards }

// LimitMB returns the per-shard capacity limit.
func (p *Placer) LimitMB() float64 { return p.limitMB }

// Choose returns the lowest-numbered shard that can host an object of the
// given size without exceeding its limit. The ledger is reloaded on every
// call: other processes may have committed since the last decision.
//
// When no shard fits, Choose returns ErrCapacityExceeded. This is a hard
// admission rejection rather than a best-effort fallback; the caller must
// not store the object.
func (p *Placer) Choose(sizeMB float64) (int, error) {
	usage := p.ledger.Load()
	for shard := 1; shard <= p.shards; shard++ {
		if usage[shard]+sizeMB <= p.limitMB {
			return shard, nil
		}
	}
	return 0, ErrCapacityExceeded
}
