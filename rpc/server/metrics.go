package server

import (
	"fmt"
	"time"

	"github.com/VictoriaMetrics/metrics"
	"github.com/phoenixkv/phoenix/lib/db"
	"github.com/phoenixkv/phoenix/lib/registry"
	"github.com/phoenixkv/phoenix/rpc/common"
)

// observe records the outcome and latency of one command
func observe(kind common.CommandKind, resp common.Response, start time.Time) {
	name := kind.String()
	metrics.GetOrCreateCounter(fmt.Sprintf(`phoenix_commands_total{command=%q,status=%q}`, name, resp.Status.String())).Inc()
	metrics.GetOrCreateHistogram(fmt.Sprintf(`phoenix_command_duration_seconds{command=%q}`, name)).UpdateDuration(start)
}

// newRegistryMetrics creates the gauges that describe the databases of reg.
// They live in their own set so that every server reports its own registry.
func newRegistryMetrics(reg *registry.Registry) *metrics.Set {
	set := metrics.NewSet()

	set.NewGauge("phoenix_databases", func() float64 {
		return float64(reg.Len())
	})
	set.NewGauge("phoenix_databases_available", func() float64 {
		return float64(len(reg.Available()))
	})
	set.NewGauge("phoenix_entries", func() float64 {
		return float64(sumTables(reg, func(table db.KVDB) int { return table.Len() }))
	})
	set.NewGauge("phoenix_database_size_bytes", func() float64 {
		return float64(sumTables(reg, func(table db.KVDB) int { return table.GetInfo().SizeBytes }))
	})

	return set
}

// sumTables adds up f over every database of reg. Databases destroyed while
// iterating are skipped.
func sumTables(reg *registry.Registry, f func(table db.KVDB) int) int {
	total := 0
	for _, name := range reg.Names() {
		d, err := reg.Get(name)
		if err != nil {
			continue
		}
		_ = d.With(func(table db.KVDB) error {
			total += f(table)
			return nil
		})
	}
	return total
}
