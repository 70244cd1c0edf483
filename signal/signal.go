// Package signal defines the vocabulary shared by probes, the evidence store
// and the reporting surface: the fixed set of signal kinds, the tri-state
// verdict and the merge rule that keeps evidence monotonic within an epoch.
//
// Verdicts are heuristic. Every verdict carries a Confidence so consumers do
// not read a substring match as ground truth.
package signal

import (
	"encoding/json"
	"fmt"
	"time"
)

// Kind identifies one category of runtime evidence.
type Kind string

const (
	APIRequests     Kind = "api_requests"
	DOMElements     Kind = "dom_elements"
	DBQueries       Kind = "db_queries"
	EnqueuedAssets  Kind = "enqueued_assets"
	Hooks           Kind = "hooks"
	HTTPTrace       Kind = "http_trace"
	URLParams       Kind = "url_params"
	Widgets         Kind = "widgets"
	CustomFields    Kind = "custom_fields"
	CustomTypes     Kind = "custom_types"
	MetaBoxes       Kind = "meta_boxes"
	Shortcodes      Kind = "shortcodes"
	CustomTemplates Kind = "custom_templates"
)

// Kinds lists every signal kind in display order.
var Kinds = []Kind{
	APIRequests,
	CustomTemplates,
	DBQueries,
	DOMElements,
	EnqueuedAssets,
	Hooks,
	HTTPTrace,
	URLParams,
	Widgets,
	CustomFields,
	CustomTypes,
	MetaBoxes,
	Shortcodes,
}

// legacyNames maps each kind to the column name used by the admin table.
var legacyNames = map[Kind]string{
	APIRequests:     "hasAPIRequests",
	CustomTemplates: "hasCustomTemplates",
	DBQueries:       "hasDatabaseQueries",
	DOMElements:     "hasDOMElements",
	EnqueuedAssets:  "hasEnqueuedAssets",
	Hooks:           "hasFilterActionHooks",
	HTTPTrace:       "hasHTTPRequestRepsonse",
	URLParams:       "hasURLParams",
	Widgets:         "hasWidgets",
	CustomFields:    "hasCustomFields",
	CustomTypes:     "hasCustomPostTypes",
	MetaBoxes:       "hasMetaBoxes",
	Shortcodes:      "hasShortcodes",
}

// Valid reports whether k is one of the known kinds.
func (k Kind) Valid() bool {
	_, ok := legacyNames[k]
	return ok
}

// LegacyName returns the admin table column for k ("hasDOMElements", ...).
func (k Kind) LegacyName() string {
	return legacyNames[k]
}

// ParseKind validates a kind string.
func ParseKind(s string) (Kind, error) {
	k := Kind(s)
	if !k.Valid() {
		return "", fmt.Errorf("signal: unknown kind %q", s)
	}
	return k, nil
}

// State is the tri-state outcome of an observation. The numeric order is
// significant: a merge never moves a cell to a lower state within an epoch.
type State int

const (
	Unknown State = iota
	Absent
	Present
)

func (s State) String() string {
	switch s {
	case Absent:
		return "absent"
	case Present:
		return "present"
	default:
		return "unknown"
	}
}

// Bool returns nil for Unknown, otherwise a pointer to the boolean value.
func (s State) Bool() *bool {
	if s == Unknown {
		return nil
	}
	b := s == Present
	return &b
}

func (s State) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

func (s *State) UnmarshalJSON(data []byte) error {
	var v string
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	switch v {
	case "present":
		*s = Present
	case "absent":
		*s = Absent
	case "unknown", "":
		*s = Unknown
	default:
		return fmt.Errorf("signal: unknown state %q", v)
	}
	return nil
}

// Confidence qualifies how much a verdict can be trusted.
type Confidence int

const (
	Low Confidence = iota + 1
	Medium
	High
)

func (c Confidence) String() string {
	switch c {
	case Low:
		return "low"
	case Medium:
		return "medium"
	case High:
		return "high"
	default:
		return ""
	}
}

func (c Confidence) MarshalJSON() ([]byte, error) {
	return json.Marshal(c.String())
}

func (c *Confidence) UnmarshalJSON(data []byte) error {
	var v string
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	switch v {
	case "low":
		*c = Low
	case "medium":
		*c = Medium
	case "high":
		*c = High
	case "":
		*c = 0
	default:
		return fmt.Errorf("signal: unknown confidence %q", v)
	}
	return nil
}

// Observation is what a probe reports for one module in one invocation.
type Observation struct {
	Kind       Kind
	State      State
	Confidence Confidence
	// Detail is a short human-readable hint (matched hook, handle, URL...).
	// It is logged, not persisted.
	Detail string
}

// Verdict is the persisted state of one (module, kind) cell.
type Verdict struct {
	Kind       Kind       `json:"kind"`
	State      State      `json:"state"`
	Confidence Confidence `json:"confidence,omitempty"`
	ObservedAt time.Time  `json:"observed_at,omitzero"`
	Epoch      string     `json:"epoch,omitempty"`
}

// Merge applies an observation made in epoch to the current cell value and
// returns the new cell value. The store implements the same rule in SQL; this
// function is the reference used for the read cache.
//
// Within the same epoch the state never decreases. A different epoch
// replaces the cell. Unknown observations leave the cell untouched.
func Merge(cur Verdict, obs Observation, epoch string, at time.Time) Verdict {
	if obs.State == Unknown {
		return cur
	}
	next := Verdict{
		Kind:       obs.Kind,
		State:      obs.State,
		Confidence: obs.Confidence,
		ObservedAt: at,
		Epoch:      epoch,
	}
	if cur.State == Unknown || cur.Epoch != epoch {
		return next
	}
	switch {
	case obs.State > cur.State:
		return next
	case obs.State == cur.State:
		next.Confidence = max(cur.Confidence, obs.Confidence)
		return next
	default:
		return cur
	}
}

// Fingerprint is the full set of verdicts for one module.
type Fingerprint map[Kind]Verdict

// NewFingerprint returns a fingerprint with every kind set to Unknown.
func NewFingerprint() Fingerprint {
	fp := make(Fingerprint, len(Kinds))
	for _, k := range Kinds {
		fp[k] = Verdict{Kind: k}
	}
	return fp
}

// Legacy returns the fingerprint keyed by admin-table column names, with nil
// for unknown cells.
func (fp Fingerprint) Legacy() map[string]*bool {
	out := make(map[string]*bool, len(Kinds))
	for _, k := range Kinds {
		out[k.LegacyName()] = fp[k].State.Bool()
	}
	return out
}

// Used reports whether at least one signal is present.
func (fp Fingerprint) Used() bool {
	for _, v := range fp {
		if v.State == Present {
			return true
		}
	}
	return false
}
