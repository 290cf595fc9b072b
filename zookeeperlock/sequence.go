package zookeeperlock

import (
	"sort"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

// protectedPrefix marks a node name carrying the guid of the attempt that
// created it, the same layout zk.Conn.CreateProtectedEphemeralSequential uses:
// _c_<32 hex guid>-<key>-<sequence>.
const protectedPrefix = "_c_"

const guidLen = 32

func newGUID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

// protectedName is the node name passed to Create; the server appends the
// sequence.
func protectedName(guid, key string) string {
	return protectedPrefix + guid + "-" + key + "-"
}

// guidOf returns the guid of a protected node name.
func guidOf(name string) (string, bool) {
	if !strings.HasPrefix(name, protectedPrefix) || len(name) <= len(protectedPrefix)+guidLen {
		return "", false
	}

	guid := name[len(protectedPrefix) : len(protectedPrefix)+guidLen]
	if name[len(protectedPrefix)+guidLen] != '-' {
		return "", false
	}

	return guid, true
}

// unprotected strips the protected prefix, if any, from a node name.
func unprotected(name string) string {
	if _, ok := guidOf(name); ok {
		return name[len(protectedPrefix)+guidLen+1:]
	}

	return name
}

// sequenceOf parses the sequence suffix of a node named <key>-<digits>, with
// or without the protected prefix. Nodes of other keys, including keys that
// merely share a prefix, report false.
func sequenceOf(key, name string) (int64, bool) {
	name = unprotected(name)
	if !strings.HasPrefix(name, key+"-") {
		return 0, false
	}

	suffix := name[len(key)+1:]
	if suffix == "" {
		return 0, false
	}

	for _, r := range suffix {
		if r < '0' || r > '9' {
			return 0, false
		}
	}

	seq, err := strconv.ParseInt(suffix, 10, 64)
	if err != nil {
		return 0, false
	}

	return seq, true
}

type sibling struct {
	name string
	seq  int64
}

// predecessorOf sorts the nodes of key by sequence and returns the one right
// before seq, or "" if seq is the lowest. present reports whether the node
// with seq itself is still among children.
func predecessorOf(key string, seq int64, children []string) (predecessor string, present bool) {
	siblings := make([]sibling, 0, len(children))
	for _, name := range children {
		if s, ok := sequenceOf(key, name); ok {
			siblings = append(siblings, sibling{name: name, seq: s})
		}
	}

	sort.Slice(siblings, func(i, j int) bool { return siblings[i].seq < siblings[j].seq })

	for i, s := range siblings {
		if s.seq != seq {
			continue
		}

		if i == 0 {
			return "", true
		}

		return siblings[i-1].name, true
	}

	return "", false
}
