package ember

import (
	"testing"

	"github.com/phoenixkv/phoenix/lib/db"
	dbtesting "github.com/phoenixkv/phoenix/lib/db/testing"
)

func Test(t *testing.T) {
	dbtesting.RunKVDBTests(t, "EmberDB", func(clock db.Clock) db.KVDB {
		return NewEmberDB(&DBOptions{Clock: clock})
	})
}

func TestSingleShard(t *testing.T) {
	dbtesting.RunKVDBTests(t, "EmberDB(1 shard)", func(clock db.Clock) db.KVDB {
		return NewEmberDB(&DBOptions{NumShards: 1, Clock: clock})
	})
}

func Benchmark(b *testing.B) {
	dbtesting.RunKVDBBenchmarks(b, "EmberDB", func(clock db.Clock) db.KVDB {
		return NewEmberDB(&DBOptions{Clock: clock})
	})
}
