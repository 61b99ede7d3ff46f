package radio

import (
	"context"
	"strings"
	"time"

	"go.uber.org/zap"
)

// Discoverer polls a Scanner and emits each newly seen peer EID once.
type Discoverer struct {
	scanner  Scanner
	self     string
	interval time.Duration
	log      *zap.Logger

	seen map[string]struct{}
}

// NewDiscoverer returns a Discoverer that ignores the local EID self.
func NewDiscoverer(scanner Scanner, self string, interval time.Duration, log *zap.Logger) *Discoverer {
	if interval <= 0 {
		interval = DefaultScanInterval
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Discoverer{
		scanner:  scanner,
		self:     self,
		interval: interval,
		log:      log,
		seen:     make(map[string]struct{}),
	}
}

// Run scans immediately and then every interval, sending new EIDs on out,
// until ctx is done. out is closed when Run returns.
func (d *Discoverer) Run(ctx context.Context, out chan<- string) {
	defer close(out)
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()
	for {
		for _, eid := range d.scan(ctx) {
			select {
			case out <- eid:
				d.log.Info("peer discovered", zap.String("eid", eid))
			case <-ctx.Done():
				return
			}
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// scan returns EIDs not reported before.
func (d *Discoverer) scan(ctx context.Context) []string {
	names, err := d.scanner.Names(ctx)
	if err != nil {
		d.log.Debug("radio scan", zap.Error(err))
		return nil
	}
	var fresh []string
	for _, name := range names {
		if !strings.HasPrefix(name, NamePrefix) {
			continue
		}
		eid := strings.TrimPrefix(name, NamePrefix)
		if eid == "" || eid == d.self {
			continue
		}
		if _, ok := d.seen[eid]; ok {
			continue
		}
		d.seen[eid] = struct{}{}
		fresh = append(fresh, eid)
	}
	return fresh
}
