package cache

import (
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/minio/highwayhash"

	"github.com/workersql/workersql/protocol"
)

// Cache keys follow three shapes:
//
//	{tenant}:e:{table}:{pk}          one entity by primary key
//	{tenant}:i:{table}:{index}:{val} one secondary-index probe
//	{tenant}:q:{table}:{fingerprint} one query result set
//
// Bulk invalidation sweeps the e and q prefixes of a (tenant, table).

func EntityKey(tenant, table, pk string) string {
	return fmt.Sprintf("%s:e:%s:%s", tenant, table, pk)
}

func IndexKey(tenant, table, index, val string) string {
	return fmt.Sprintf("%s:i:%s:%s:%s", tenant, table, index, val)
}

func QueryKey(tenant, table, fingerprint string) string {
	return fmt.Sprintf("%s:q:%s:%s", tenant, table, fingerprint)
}

func EntityPrefix(tenant, table string) string {
	return fmt.Sprintf("%s:e:%s:", tenant, table)
}

func QueryPrefix(tenant, table string) string {
	return fmt.Sprintf("%s:q:%s:", tenant, table)
}

// BaseKey is the "{tenant}:{table}" form carried by invalidation events.
func BaseKey(tenant, table string) string {
	return fmt.Sprintf("%s:%s", tenant, table)
}

// PrefixesOfBase expands a base key into the two prefixes invalidation
// sweeps.
func PrefixesOfBase(base string) []string {
	var tenant, table = splitBase(base)
	return []string{QueryPrefix(tenant, table), EntityPrefix(tenant, table)}
}

func splitBase(base string) (tenant, table string) {
	for i := 0; i < len(base); i++ {
		if base[i] == ':' {
			return base[:i], base[i+1:]
		}
	}
	return base, ""
}

// fingerprintKey is a fixed 32 bytes (as required by HighwayHash) read from /dev/random.
// DO NOT MODIFY this value, as it is required to have consistent hash results.
var fingerprintKey, _ = hex.DecodeString("9d1f6fa3b7250fcb5f3ded250b27ce4b852cf169ce6ad17d9b22e0a8e8a44c7d")

// Fingerprint derives the stable identity of a query shape: statement
// text plus its bound parameters. Equal queries hash equally across
// gateway instances and restarts.
func Fingerprint(sql string, params []protocol.Param) string {
	var input = []byte(sql)
	if len(params) != 0 {
		input = append(input, 0x00)
		var encoded, err = json.Marshal(params)
		if err == nil {
			input = append(input, encoded...)
		}
	}
	return fmt.Sprintf("%016x", highwayhash.Sum64(input, fingerprintKey))
}
