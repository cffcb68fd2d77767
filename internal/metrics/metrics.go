package metrics

import (
	"fmt"
	"io"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// MaxSlots bounds the number of intercepted entry points that can be
// counted. Counters live in a fixed array so recording never allocates.
const MaxSlots = 32

type slot struct {
	module    string
	entry     string
	rejected  atomic.Uint64
	forwarded atomic.Uint64
}

// Collector provides a minimal Prometheus-compatible metrics exporter.
type Collector struct {
	startedAt time.Time

	mu     sync.Mutex
	slots  [MaxSlots]slot
	nslots atomic.Int32

	policyReplacements atomic.Uint64
	policyNames        atomic.Int64
	installFailures    atomic.Uint64
	uninstallFailures  atomic.Uint64
	unresolved         atomic.Uint64
	installed          atomic.Int64
}

func New() *Collector {
	return &Collector{startedAt: time.Now().UTC()}
}

// Slot registers an entry point and returns its counter index, or -1 if
// the collector is nil or full. Registering the same pair twice returns the
// same index.
func (c *Collector) Slot(module, entry string) int {
	if c == nil {
		return -1
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	n := int(c.nslots.Load())
	for i := 0; i < n; i++ {
		if c.slots[i].module == module && c.slots[i].entry == entry {
			return i
		}
	}
	if n == MaxSlots {
		return -1
	}
	c.slots[n].module = module
	c.slots[n].entry = entry
	c.nslots.Store(int32(n + 1))
	return n
}

// RecordLoad counts one intercepted load request. It is called from
// trampolines and must stay allocation free.
func (c *Collector) RecordLoad(slot int, rejected bool) {
	if c == nil || slot < 0 || slot >= MaxSlots {
		return
	}
	if rejected {
		c.slots[slot].rejected.Add(1)
	} else {
		c.slots[slot].forwarded.Add(1)
	}
}

func (c *Collector) IncPolicyReplacement(names int) {
	if c == nil {
		return
	}
	c.policyReplacements.Add(1)
	c.policyNames.Store(int64(names))
}

func (c *Collector) IncInstallFailure() {
	if c == nil {
		return
	}
	c.installFailures.Add(1)
}

func (c *Collector) IncUninstallFailure() {
	if c == nil {
		return
	}
	c.uninstallFailures.Add(1)
}

func (c *Collector) AddUnresolved(n int) {
	if c == nil || n <= 0 {
		return
	}
	c.unresolved.Add(uint64(n))
}

func (c *Collector) SetInstalled(n int) {
	if c == nil {
		return
	}
	c.installed.Store(int64(n))
}

// Snapshot is a point-in-time copy of the counters.
type Snapshot struct {
	Rejected           map[string]uint64 `json:"rejected"`
	Forwarded          map[string]uint64 `json:"forwarded"`
	PolicyReplacements uint64            `json:"policy_replacements"`
	PolicyNames        int64             `json:"policy_names"`
	InstallFailures    uint64            `json:"install_failures"`
	UninstallFailures  uint64            `json:"uninstall_failures"`
	Unresolved         uint64            `json:"unresolved"`
	Installed          int64             `json:"installed"`
}

func (c *Collector) Snapshot() Snapshot {
	s := Snapshot{
		Rejected:  map[string]uint64{},
		Forwarded: map[string]uint64{},
	}
	if c == nil {
		return s
	}
	n := int(c.nslots.Load())
	for i := 0; i < n; i++ {
		key := c.slots[i].module + "!" + c.slots[i].entry
		s.Rejected[key] = c.slots[i].rejected.Load()
		s.Forwarded[key] = c.slots[i].forwarded.Load()
	}
	s.PolicyReplacements = c.policyReplacements.Load()
	s.PolicyNames = c.policyNames.Load()
	s.InstallFailures = c.installFailures.Load()
	s.UninstallFailures = c.uninstallFailures.Load()
	s.Unresolved = c.unresolved.Load()
	s.Installed = c.installed.Load()
	return s
}

// WriteText writes the counters in Prometheus text exposition format.
func (c *Collector) WriteText(w io.Writer) error {
	var b strings.Builder

	fmt.Fprint(&b, "# HELP loadguard_up Whether the load guard is running.\n")
	fmt.Fprint(&b, "# TYPE loadguard_up gauge\n")
	fmt.Fprint(&b, "loadguard_up 1\n")

	if c != nil {
		fmt.Fprint(&b, "# HELP loadguard_uptime_seconds Seconds since the collector was created.\n")
		fmt.Fprint(&b, "# TYPE loadguard_uptime_seconds gauge\n")
		fmt.Fprintf(&b, "loadguard_uptime_seconds %d\n", int64(time.Since(c.startedAt).Seconds()))
	}

	s := c.Snapshot()

	fmt.Fprint(&b, "# HELP loadguard_entry_points_installed Entry points currently redirected.\n")
	fmt.Fprint(&b, "# TYPE loadguard_entry_points_installed gauge\n")
	fmt.Fprintf(&b, "loadguard_entry_points_installed %d\n", s.Installed)

	fmt.Fprint(&b, "# HELP loadguard_entry_points_unresolved_total Entry points that could not be resolved.\n")
	fmt.Fprint(&b, "# TYPE loadguard_entry_points_unresolved_total counter\n")
	fmt.Fprintf(&b, "loadguard_entry_points_unresolved_total %d\n", s.Unresolved)

	fmt.Fprint(&b, "# HELP loadguard_install_failures_total Failed install transactions.\n")
	fmt.Fprint(&b, "# TYPE loadguard_install_failures_total counter\n")
	fmt.Fprintf(&b, "loadguard_install_failures_total %d\n", s.InstallFailures)

	fmt.Fprint(&b, "# HELP loadguard_uninstall_failures_total Failed uninstall transactions.\n")
	fmt.Fprint(&b, "# TYPE loadguard_uninstall_failures_total counter\n")
	fmt.Fprintf(&b, "loadguard_uninstall_failures_total %d\n", s.UninstallFailures)

	fmt.Fprint(&b, "# HELP loadguard_policy_replacements_total Blacklist replacements.\n")
	fmt.Fprint(&b, "# TYPE loadguard_policy_replacements_total counter\n")
	fmt.Fprintf(&b, "loadguard_policy_replacements_total %d\n", s.PolicyReplacements)

	fmt.Fprint(&b, "# HELP loadguard_policy_names Names in the active blacklist.\n")
	fmt.Fprint(&b, "# TYPE loadguard_policy_names gauge\n")
	fmt.Fprintf(&b, "loadguard_policy_names %d\n", s.PolicyNames)

	keys := sortedKeys(s.Rejected)
	if len(keys) > 0 {
		fmt.Fprint(&b, "# HELP loadguard_loads_total Intercepted load requests by entry point and outcome.\n")
		fmt.Fprint(&b, "# TYPE loadguard_loads_total counter\n")
		for _, k := range keys {
			fmt.Fprintf(&b, "loadguard_loads_total{entry=\"%s\",outcome=\"rejected\"} %d\n", escapeLabelValue(k), s.Rejected[k])
			fmt.Fprintf(&b, "loadguard_loads_total{entry=\"%s\",outcome=\"forwarded\"} %d\n", escapeLabelValue(k), s.Forwarded[k])
		}
	}

	_, err := io.WriteString(w, b.String())
	return err
}

func sortedKeys(m map[string]uint64) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	slices.Sort(out)
	return out
}

func escapeLabelValue(v string) string {
	// Prometheus text format label escaping for " and \ and newlines.
	v = strings.ReplaceAll(v, "\\", "\\\\")
	v = strings.ReplaceAll(v, "\n", "\\n")
	v = strings.ReplaceAll(v, "\"", "\\\"")
	return v
}
