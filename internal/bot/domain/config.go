package domain

import (
	"encoding/json"
	"fmt"
	"strings"
)

// SubscriptionSpec describes the VIP membership attached to a product
// button. Duration units follow the subscription sweeper.
type SubscriptionSpec struct {
	DurationType  string `json:"duration_type"`
	DurationValue int    `json:"duration_value"`
	VIPChatID     int64  `json:"vip_chat_id,omitempty"`
}

// Duration unit values accepted by SubscriptionSpec.
const (
	DurationHours  = "hours"
	DurationDays   = "days"
	DurationMonths = "months"
)

func (s *SubscriptionSpec) Valid() bool {
	if s == nil || s.DurationValue <= 0 {
		return false
	}
	switch s.DurationType {
	case DurationHours, DurationDays, DurationMonths:
		return true
	}
	return false
}

// OrderBump is a pre-purchase add-on offered before PIX generation.
type OrderBump struct {
	Enabled     bool   `json:"enabled"`
	Title       string `json:"title,omitempty"`
	Description string `json:"description,omitempty"`
	Price       int64  `json:"price"`
	ProductName string `json:"product_name,omitempty"`
}

// ButtonConfig is one product button in the traditional funnel.
type ButtonConfig struct {
	Label        string            `json:"label"`
	Price        int64             `json:"price"`
	ProductID    string            `json:"product_id,omitempty"`
	ProductName  string            `json:"product_name,omitempty"`
	Description  string            `json:"description,omitempty"`
	OrderBump    *OrderBump        `json:"order_bump,omitempty"`
	Subscription *SubscriptionSpec `json:"subscription,omitempty"`
}

// RemarketingHook configures a delayed upsell or downsell message tied
// to a purchase outcome.
type RemarketingHook struct {
	DelayMinutes int    `json:"delay_minutes"`
	Message      string `json:"message"`
	MediaURL     string `json:"media_url,omitempty"`
	ButtonLabel  string `json:"button_label,omitempty"`
	ButtonIndex  int    `json:"button_index,omitempty"`
}

// FunnelConfig drives the traditional button funnel.
type FunnelConfig struct {
	WelcomeText  string         `json:"welcome_text"`
	WelcomeMedia string         `json:"welcome_media,omitempty"`
	WelcomeAudio string         `json:"welcome_audio,omitempty"`
	Buttons      []ButtonConfig `json:"buttons"`

	PixMessage      string            `json:"pix_message,omitempty"`
	Downsells       []RemarketingHook `json:"downsells,omitempty"`
	Upsells         []RemarketingHook `json:"upsells,omitempty"`
	DeliveryMessage string            `json:"delivery_message,omitempty"`
}

// ParseFunnelConfig decodes the bot's funnel JSON. Unknown fields are
// rejected so operator typos surface instead of silently no-opping.
func ParseFunnelConfig(raw []byte) (*FunnelConfig, error) {
	if len(raw) == 0 {
		return &FunnelConfig{}, nil
	}
	dec := json.NewDecoder(strings.NewReader(string(raw)))
	dec.DisallowUnknownFields()
	var cfg FunnelConfig
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("funnel config: %w", err)
	}
	return &cfg, nil
}

// Button returns the button at index, or nil.
func (c *FunnelConfig) Button(index int) *ButtonConfig {
	if c == nil || index < 0 || index >= len(c.Buttons) {
		return nil
	}
	return &c.Buttons[index]
}

// Flow step kinds. Each Step carries exactly the fields its kind reads.
const (
	StepMessage = "message"
	StepButtons = "buttons"
	StepInput   = "input"
	StepBranch  = "branch"
	StepPayment = "payment"
	StepDelay   = "delay"
	StepEnd     = "end"
)

// FlowButton is one inline choice inside a buttons step.
type FlowButton struct {
	Label string `json:"label"`
	Next  string `json:"next"`
}

// BranchCase routes on a collected variable value.
type BranchCase struct {
	Var    string `json:"var"`
	Equals string `json:"equals"`
	Next   string `json:"next"`
}

// FlowStep is one node of a flow DAG.
type FlowStep struct {
	ID   string `json:"id"`
	Kind string `json:"kind"`

	Text     string `json:"text,omitempty"`
	MediaURL string `json:"media_url,omitempty"`
	Next     string `json:"next,omitempty"`

	Buttons []FlowButton `json:"buttons,omitempty"`

	Var            string `json:"var,omitempty"`
	ValidationRe   string `json:"validation_re,omitempty"`
	TimeoutSeconds int    `json:"timeout_seconds,omitempty"`
	TimeoutNext    string `json:"timeout_next,omitempty"`

	Cases       []BranchCase `json:"cases,omitempty"`
	DefaultNext string       `json:"default_next,omitempty"`

	Price        int64             `json:"price,omitempty"`
	ProductID    string            `json:"product_id,omitempty"`
	ProductName  string            `json:"product_name,omitempty"`
	Subscription *SubscriptionSpec `json:"subscription,omitempty"`
	PaidNext     string            `json:"paid_next,omitempty"`

	DelaySeconds int `json:"delay_seconds,omitempty"`
}

// FlowConfig is a named DAG of steps with a declared entry point.
type FlowConfig struct {
	Name        string     `json:"name,omitempty"`
	EntryStepID string     `json:"entry_step_id"`
	GraceWindow int        `json:"grace_window_seconds,omitempty"`
	Steps       []FlowStep `json:"steps"`
}

// ParseFlowConfig decodes and structurally validates a flow DAG: the
// entry step must exist and every referenced step id must resolve.
func ParseFlowConfig(raw []byte) (*FlowConfig, error) {
	if len(raw) == 0 {
		return nil, fmt.Errorf("flow config: empty")
	}
	dec := json.NewDecoder(strings.NewReader(string(raw)))
	dec.DisallowUnknownFields()
	var cfg FlowConfig
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("flow config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Step returns the step by id, or nil.
func (c *FlowConfig) Step(id string) *FlowStep {
	if c == nil {
		return nil
	}
	for i := range c.Steps {
		if c.Steps[i].ID == id {
			return &c.Steps[i]
		}
	}
	return nil
}

func (c *FlowConfig) validate() error {
	if len(c.Steps) == 0 {
		return fmt.Errorf("flow config: no steps")
	}
	ids := make(map[string]bool, len(c.Steps))
	for i := range c.Steps {
		step := &c.Steps[i]
		if step.ID == "" {
			return fmt.Errorf("flow config: step %d has no id", i)
		}
		if ids[step.ID] {
			return fmt.Errorf("flow config: duplicate step id %q", step.ID)
		}
		ids[step.ID] = true
	}
	if c.EntryStepID == "" || !ids[c.EntryStepID] {
		return fmt.Errorf("flow config: entry step %q not found", c.EntryStepID)
	}
	check := func(stepID, field, ref string) error {
		if ref != "" && !ids[ref] {
			return fmt.Errorf("flow config: step %q %s references unknown step %q", stepID, field, ref)
		}
		return nil
	}
	for i := range c.Steps {
		step := &c.Steps[i]
		if err := check(step.ID, "next", step.Next); err != nil {
			return err
		}
		if err := check(step.ID, "timeout_next", step.TimeoutNext); err != nil {
			return err
		}
		if err := check(step.ID, "default_next", step.DefaultNext); err != nil {
			return err
		}
		if err := check(step.ID, "paid_next", step.PaidNext); err != nil {
			return err
		}
		for _, b := range step.Buttons {
			if err := check(step.ID, "button", b.Next); err != nil {
				return err
			}
		}
		for _, cs := range step.Cases {
			if err := check(step.ID, "case", cs.Next); err != nil {
				return err
			}
		}
		switch step.Kind {
		case StepMessage, StepButtons, StepInput, StepBranch, StepPayment, StepDelay, StepEnd:
		default:
			return fmt.Errorf("flow config: step %q has unknown kind %q", step.ID, step.Kind)
		}
	}
	return nil
}
