package security

import "strings"

// miningBlocklist is the fixed, case-insensitive substring list checked
// against every process name in a workload's process table (spec.md
// §4.7). Covers the CPU/GPU miner binaries and launcher scripts most
// commonly smuggled into shared compute.
var miningBlocklist = []string{
	"xmrig",
	"xmr-stak",
	"cpuminer",
	"minerd",
	"cgminer",
	"bfgminer",
	"sgminer",
	"ethminer",
	"phoenixminer",
	"t-rex",
	"trex-miner",
	"gminer",
	"lolminer",
	"nbminer",
	"ccminer",
	"claymore",
	"teamredminer",
	"nicehash",
}

// matchBlocklist returns every process name containing a blocklisted
// substring, case-insensitively.
func matchBlocklist(procs []string) []string {
	var matched []string
	for _, p := range procs {
		lp := strings.ToLower(p)
		for _, bad := range miningBlocklist {
			if strings.Contains(lp, bad) {
				matched = append(matched, p)
				break
			}
		}
	}
	return matched
}
