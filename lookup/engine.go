package lookup

import (
	"context"
	"time"

	"github.com/opd-ai/kademlia-core/id"
	"github.com/opd-ai/kademlia-core/routing"
	"github.com/sirupsen/logrus"
)

// Mode selects which RPC the lookup engine drives and how responses
// are interpreted, resolving spec.md §9's open question about
// find-node vs find-value dispatch as an explicit enum rather than a
// nil-key guard.
type Mode int

const (
	// ModeFindNode runs a pure node-discovery lookup.
	ModeFindNode Mode = iota
	// ModeFindValueSingle looks up one specific subkey; the first
	// value returned wins and the lookup aborts.
	ModeFindValueSingle
	// ModeFindValueAll accumulates values across every subkey,
	// preferring the value reported by the closest responder for
	// each subkey.
	ModeFindValueAll
)

// SubkeyValue is a value found during a FIND_VALUE lookup, together
// with its expiration (HasExpire false means it never expires).
type SubkeyValue struct {
	Value     []byte
	Expire    time.Time
	HasExpire bool
}

// Response is what a single RPC probe returns to the lookup engine.
type Response struct {
	// Contacts is the responder's closest-known-nodes answer, merged
	// into the shortlist regardless of mode.
	Contacts []routing.Contact
	// Value is set in ModeFindValueSingle when the responder held the
	// requested subkey.
	Value *SubkeyValue
	// Values is set in ModeFindValueAll: subkey -> value, for every
	// subkey the responder held.
	Values map[string]SubkeyValue
}

// QueryFunc performs one outgoing RPC probe against contact, asking
// about target under the given mode/idKeyHex/subkey. A non-nil error
// is treated as an RPC transient failure (spec.md §7): the contact is
// dropped from the shortlist, not from the routing table.
type QueryFunc func(ctx context.Context, contact routing.Contact, target id.Id, mode Mode, idKeyHex, subkey string) (Response, error)

// Params configures one lookup run.
type Params struct {
	Target   id.Id
	Mode     Mode
	IDKeyHex string
	Subkey   string
	Alpha    int
	K        int
	Seeds    []routing.Contact
}

// Result is what a completed lookup run produced.
type Result struct {
	Shortlist []routing.Contact
	Value     *SubkeyValue
	Source    *routing.Contact
	Values    map[string]SubkeyValue
	Sources   map[string]routing.Contact
	Aborted   bool
}

// Engine drives the iterative parallel FIND_NODE/FIND_VALUE search
// described in spec.md §4.5: up to Alpha concurrent probes in flight,
// converging when the shortlist is exhausted or a single-subkey value
// is found.
type Engine struct{}

// NewEngine constructs a lookup engine. Alpha/K are supplied per-run
// via Params so one Engine value can serve lookups with different
// concurrency/shortlist sizes.
func NewEngine() *Engine {
	return &Engine{}
}

type outcome struct {
	contact routing.Contact
	resp    Response
	err     error
}

// Run executes one lookup to convergence. It terminates when either
// the shortlist has no more unqueried contacts and no probe is
// in-flight, or (in ModeFindValueSingle) a responder returns the
// value — at which point in-flight probes are drained but their
// results are discarded.
func (e *Engine) Run(ctx context.Context, p Params, query QueryFunc) Result {
	list := NewList(p.Target, p.K)
	list.InsertMany(p.Seeds)

	results := make(chan outcome)
	inFlight := 0
	aborted := false

	var value *SubkeyValue
	var source *routing.Contact
	values := make(map[string]SubkeyValue)
	sources := make(map[string]routing.Contact)

	launch := func(c routing.Contact) {
		inFlight++
		go func() {
			resp, err := query(ctx, c, p.Target, p.Mode, p.IDKeyHex, p.Subkey)
			results <- outcome{contact: c, resp: resp, err: err}
		}()
	}

	fill := func() {
		for inFlight < p.Alpha {
			c, ok := list.Next()
			if !ok {
				return
			}
			launch(c)
		}
	}

	fill()
	for inFlight > 0 {
		out := <-results
		inFlight--

		if aborted {
			continue
		}

		if out.err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "Engine.Run",
				"contact":  out.contact.ID.String(),
				"error":    out.err.Error(),
			}).Debug("probe failed, dropping from shortlist")
			list.Remove(out.contact)
		} else {
			list.InsertMany(out.resp.Contacts)

			switch p.Mode {
			case ModeFindValueSingle:
				if out.resp.Value != nil {
					v := out.resp.Value
					c := out.contact
					value = v
					source = &c
					aborted = true
				}
			case ModeFindValueAll:
				for subkey, v := range out.resp.Values {
					cur, exists := sources[subkey]
					if !exists || p.Target.CompareDistance(out.contact.ID, cur.ID) < 0 {
						values[subkey] = v
						sources[subkey] = out.contact
					}
				}
			}
		}

		if !aborted {
			fill()
		}
	}

	return Result{
		Shortlist: list.GetContacts(),
		Value:     value,
		Source:    source,
		Values:    values,
		Sources:   sources,
		Aborted:   aborted,
	}
}
