package ratelimit

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/danmuck/ethstream/internal/tools"
)

const tcRootHandle = "1:"

// TCShaper shapes egress with Linux tc: an HTB root qdisc per interface, one
// HTB class per source port, and a u32 filter on that port. The filter
// priority is the port itself so removal targets exactly one rule.
type TCShaper struct {
	runner tools.CommandRunner
}

var _ Shaper = (*TCShaper)(nil)

func NewTCShaper(runner tools.CommandRunner) *TCShaper {
	if runner == nil {
		runner = tools.ExecRunner{}
	}
	return &TCShaper{runner: runner}
}

func classID(port int) string {
	return tcRootHandle + strconv.FormatInt(int64(port), 16)
}

func (s *TCShaper) Install(rule Rule) error {
	createdRoot, err := s.ensureRoot(rule.Interface)
	if err != nil {
		return err
	}
	rate := fmt.Sprintf("%dbps", rule.RateBytesPerSec)
	if _, err := tools.RunChecked(s.runner, "tc", "class", "add", "dev", rule.Interface,
		"parent", tcRootHandle, "classid", classID(rule.SourcePort),
		"htb", "rate", rate, "ceil", rate, "burst", fmt.Sprintf("%db", rule.BurstBytes)); err != nil {
		s.rollbackRoot(rule.Interface, createdRoot)
		return err
	}
	if _, err := tools.RunChecked(s.runner, "tc", "filter", "add", "dev", rule.Interface,
		"protocol", "ip", "parent", tcRootHandle, "prio", strconv.Itoa(rule.SourcePort),
		"u32", "match", "ip", "sport", strconv.Itoa(rule.SourcePort), "0xffff",
		"flowid", classID(rule.SourcePort)); err != nil {
		_, _ = tools.RunChecked(s.runner, "tc", "class", "del", "dev", rule.Interface, "classid", classID(rule.SourcePort))
		s.rollbackRoot(rule.Interface, createdRoot)
		return err
	}
	return nil
}

// ensureRoot adds the HTB root qdisc when the interface has none. Unclassified
// traffic bypasses shaping, so the root is harmless to other flows.
func (s *TCShaper) ensureRoot(iface string) (bool, error) {
	out, err := tools.RunChecked(s.runner, "tc", "qdisc", "show", "dev", iface)
	if err != nil {
		return false, err
	}
	if strings.Contains(string(out), "qdisc htb "+tcRootHandle) {
		return false, nil
	}
	if _, err := tools.RunChecked(s.runner, "tc", "qdisc", "add", "dev", iface, "root", "handle", tcRootHandle, "htb"); err != nil {
		return false, err
	}
	return true, nil
}

func (s *TCShaper) rollbackRoot(iface string, created bool) {
	if !created {
		return
	}
	_, _ = tools.RunChecked(s.runner, "tc", "qdisc", "del", "dev", iface, "root", "handle", tcRootHandle, "htb")
}

// Remove deletes the filter and class for rule. The root qdisc stays since
// other streams on the interface may still use it.
func (s *TCShaper) Remove(rule Rule) error {
	_, filterErr := tools.RunChecked(s.runner, "tc", "filter", "del", "dev", rule.Interface,
		"parent", tcRootHandle, "prio", strconv.Itoa(rule.SourcePort))
	_, classErr := tools.RunChecked(s.runner, "tc", "class", "del", "dev", rule.Interface,
		"classid", classID(rule.SourcePort))
	if filterErr != nil {
		return filterErr
	}
	return classErr
}
