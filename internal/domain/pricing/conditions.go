package pricing

import (
	"encoding/json"
	"fmt"
	"time"
)

type ConditionKind string

const (
	KindQuantityThreshold ConditionKind = "quantity_threshold"
	KindDateWindow        ConditionKind = "date_window"
	KindCustomerGroup     ConditionKind = "customer_group"
	KindChannel           ConditionKind = "channel"
	KindContract          ConditionKind = "contract"
)

// Condition is one of the closed set of rule conditions below.
type Condition interface {
	Kind() ConditionKind
}

// QuantityThreshold matches when Min <= quantity and, if Max > 0, quantity <= Max.
type QuantityThreshold struct {
	Min int `json:"min"`
	Max int `json:"max,omitempty"`
}

type DateWindow struct {
	From  *time.Time `json:"from,omitempty"`
	Until *time.Time `json:"until,omitempty"`
}

type CustomerGroupCondition struct {
	Groups []string `json:"groups"`
}

type ChannelCondition struct {
	Channels []string `json:"channels"`
}

// ContractCondition requires an active, approved contract covering the line.
// An empty ContractID accepts any such contract.
type ContractCondition struct {
	ContractID string `json:"contract_id,omitempty"`
}

func (QuantityThreshold) Kind() ConditionKind      { return KindQuantityThreshold }
func (DateWindow) Kind() ConditionKind             { return KindDateWindow }
func (CustomerGroupCondition) Kind() ConditionKind { return KindCustomerGroup }
func (ChannelCondition) Kind() ConditionKind       { return KindChannel }
func (ContractCondition) Kind() ConditionKind      { return KindContract }

// Matches evaluates a condition against a line.
func Matches(c Condition, lc LineContext) bool {
	switch c := c.(type) {
	case QuantityThreshold:
		return lc.Quantity >= c.Min && (c.Max <= 0 || lc.Quantity <= c.Max)
	case DateWindow:
		return inWindow(lc.At, c.From, c.Until)
	case CustomerGroupCondition:
		return lc.CustomerGroup != "" && contains(c.Groups, lc.CustomerGroup)
	case ChannelCondition:
		return lc.Channel != "" && contains(c.Channels, lc.Channel)
	case ContractCondition:
		return hasContract(lc, c.ContractID)
	default:
		return false
	}
}

func hasContract(lc LineContext, id string) bool {
	for _, ct := range lc.Contracts {
		if id != "" && ct.ID != id {
			continue
		}
		if ct.Covers(lc) {
			return true
		}
	}
	return false
}

// Conditions serializes as a JSON array of objects tagged by "kind".
type Conditions []Condition

type conditionEnvelope struct {
	Kind ConditionKind `json:"kind"`
}

func (cs Conditions) MarshalJSON() ([]byte, error) {
	out := make([]json.RawMessage, 0, len(cs))
	for _, c := range cs {
		body, err := json.Marshal(c)
		if err != nil {
			return nil, err
		}
		var fields map[string]json.RawMessage
		if err := json.Unmarshal(body, &fields); err != nil {
			return nil, err
		}
		kind, _ := json.Marshal(c.Kind())
		fields["kind"] = kind
		b, err := json.Marshal(fields)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return json.Marshal(out)
}

func (cs *Conditions) UnmarshalJSON(data []byte) error {
	var raws []json.RawMessage
	if err := json.Unmarshal(data, &raws); err != nil {
		return err
	}
	result := make(Conditions, 0, len(raws))
	for _, raw := range raws {
		var env conditionEnvelope
		if err := json.Unmarshal(raw, &env); err != nil {
			return err
		}
		c, err := decodeCondition(env.Kind, raw)
		if err != nil {
			return err
		}
		result = append(result, c)
	}
	*cs = result
	return nil
}

func decodeCondition(kind ConditionKind, raw json.RawMessage) (Condition, error) {
	switch kind {
	case KindQuantityThreshold:
		var c QuantityThreshold
		err := json.Unmarshal(raw, &c)
		return c, err
	case KindDateWindow:
		var c DateWindow
		err := json.Unmarshal(raw, &c)
		return c, err
	case KindCustomerGroup:
		var c CustomerGroupCondition
		err := json.Unmarshal(raw, &c)
		return c, err
	case KindChannel:
		var c ChannelCondition
		err := json.Unmarshal(raw, &c)
		return c, err
	case KindContract:
		var c ContractCondition
		err := json.Unmarshal(raw, &c)
		return c, err
	default:
		return nil, fmt.Errorf("unknown condition kind %q", kind)
	}
}
