package tools

import (
	"context"
	"fmt"
	"strings"
	"unicode"

	"github.com/aiappsgbb/gpt-realtime-agents/pkg/core"
)

const (
	BuiltinTransferCall = "transfer_call"
	BuiltinHangupCall   = "hangup_call"
	BuiltinHoldCall     = "hold_call"
	BuiltinResumeCall   = "resume_call"
	BuiltinGetCallInfo  = "get_call_info"
)

// CallInfo is the snapshot get_call_info returns to the model.
type CallInfo struct {
	CallID          string `json:"call_id"`
	From            string `json:"from"`
	To              string `json:"to"`
	State           string `json:"state"`
	OnHold          bool   `json:"on_hold"`
	StartedAt       string `json:"started_at,omitempty"`
	DurationSeconds int64  `json:"duration_seconds"`
}

// CallActions is the control surface the built-in tools drive. The call
// session implements it.
type CallActions interface {
	Info() CallInfo
	Hangup(ctx context.Context, reason string) error
	Transfer(ctx context.Context, target string) error
	Hold(ctx context.Context) error
	Resume(ctx context.Context) error
}

// Builtins returns the call-control handlers bound to one session.
func Builtins(actions CallActions) []Handler {
	return []Handler{
		NewTransferCallBuiltin(actions),
		NewHangupCallBuiltin(actions),
		NewHoldCallBuiltin(actions),
		NewResumeCallBuiltin(actions),
		NewGetCallInfoBuiltin(actions),
	}
}

// BuiltinDefinitions returns the advertised shapes of the built-in
// tools. Sessions are dialed with these before handlers are bound to a
// live call.
func BuiltinDefinitions() []Definition {
	handlers := Builtins(nil)
	defs := make([]Definition, 0, len(handlers))
	for _, h := range handlers {
		defs = append(defs, h.Definition())
	}
	return defs
}

type TransferCallBuiltin struct {
	actions CallActions
}

func NewTransferCallBuiltin(actions CallActions) *TransferCallBuiltin {
	return &TransferCallBuiltin{actions: actions}
}

func (b *TransferCallBuiltin) Name() string { return BuiltinTransferCall }

func (b *TransferCallBuiltin) Exclusive() bool { return true }

func (b *TransferCallBuiltin) Definition() Definition {
	return Definition{
		Type:        "function",
		Name:        BuiltinTransferCall,
		Description: "Transfer the caller to another phone number. Ends this AI conversation.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"target_number": map[string]any{
					"type":        "string",
					"description": "Destination phone number in E.164 format, for example +14255550123",
				},
				"reason": map[string]any{
					"type":        "string",
					"description": "Short reason for the transfer",
				},
			},
			"required": []string{"target_number"},
		},
	}
}

func (b *TransferCallBuiltin) Execute(ctx context.Context, args map[string]any) (any, *core.Error) {
	target, _ := args["target_number"].(string)
	target = strings.TrimSpace(target)
	if target == "" {
		return nil, core.NewValidationErrorWithParam("target_number is required", "target_number")
	}
	if !validPhoneNumber(target) {
		return nil, core.NewValidationErrorWithParam(fmt.Sprintf("%q is not a valid phone number", target), "target_number")
	}

	if err := b.actions.Transfer(ctx, target); err != nil {
		return nil, core.NewToolExecutionError(BuiltinTransferCall, err)
	}
	return map[string]any{"status": "transferring", "target_number": target}, nil
}

type HangupCallBuiltin struct {
	actions CallActions
}

func NewHangupCallBuiltin(actions CallActions) *HangupCallBuiltin {
	return &HangupCallBuiltin{actions: actions}
}

func (b *HangupCallBuiltin) Name() string { return BuiltinHangupCall }

func (b *HangupCallBuiltin) Exclusive() bool { return true }

func (b *HangupCallBuiltin) Definition() Definition {
	return Definition{
		Type:        "function",
		Name:        BuiltinHangupCall,
		Description: "End the phone call. Use after saying goodbye to the caller.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"reason": map[string]any{
					"type":        "string",
					"description": "Short reason for ending the call",
				},
			},
		},
	}
}

func (b *HangupCallBuiltin) Execute(ctx context.Context, args map[string]any) (any, *core.Error) {
	reason, _ := args["reason"].(string)
	if err := b.actions.Hangup(ctx, strings.TrimSpace(reason)); err != nil {
		return nil, core.NewToolExecutionError(BuiltinHangupCall, err)
	}
	return map[string]any{"status": "hanging_up"}, nil
}

type HoldCallBuiltin struct {
	actions CallActions
}

func NewHoldCallBuiltin(actions CallActions) *HoldCallBuiltin {
	return &HoldCallBuiltin{actions: actions}
}

func (b *HoldCallBuiltin) Name() string { return BuiltinHoldCall }

func (b *HoldCallBuiltin) Exclusive() bool { return true }

func (b *HoldCallBuiltin) Definition() Definition {
	return Definition{
		Type:        "function",
		Name:        BuiltinHoldCall,
		Description: "Place the caller on hold. Caller audio stops reaching the assistant until resume_call.",
		Parameters:  map[string]any{"type": "object", "properties": map[string]any{}},
	}
}

func (b *HoldCallBuiltin) Execute(ctx context.Context, args map[string]any) (any, *core.Error) {
	if err := b.actions.Hold(ctx); err != nil {
		return nil, core.NewToolExecutionError(BuiltinHoldCall, err)
	}
	return map[string]any{"status": "on_hold"}, nil
}

type ResumeCallBuiltin struct {
	actions CallActions
}

func NewResumeCallBuiltin(actions CallActions) *ResumeCallBuiltin {
	return &ResumeCallBuiltin{actions: actions}
}

func (b *ResumeCallBuiltin) Name() string { return BuiltinResumeCall }

func (b *ResumeCallBuiltin) Exclusive() bool { return true }

func (b *ResumeCallBuiltin) Definition() Definition {
	return Definition{
		Type:        "function",
		Name:        BuiltinResumeCall,
		Description: "Take the caller off hold and resume the conversation.",
		Parameters:  map[string]any{"type": "object", "properties": map[string]any{}},
	}
}

func (b *ResumeCallBuiltin) Execute(ctx context.Context, args map[string]any) (any, *core.Error) {
	if err := b.actions.Resume(ctx); err != nil {
		return nil, core.NewToolExecutionError(BuiltinResumeCall, err)
	}
	return map[string]any{"status": "resumed"}, nil
}

type GetCallInfoBuiltin struct {
	actions CallActions
}

func NewGetCallInfoBuiltin(actions CallActions) *GetCallInfoBuiltin {
	return &GetCallInfoBuiltin{actions: actions}
}

func (b *GetCallInfoBuiltin) Name() string { return BuiltinGetCallInfo }

func (b *GetCallInfoBuiltin) Exclusive() bool { return false }

func (b *GetCallInfoBuiltin) Definition() Definition {
	return Definition{
		Type:        "function",
		Name:        BuiltinGetCallInfo,
		Description: "Look up details about the current call: caller number, dialed number, and duration.",
		Parameters:  map[string]any{"type": "object", "properties": map[string]any{}},
	}
}

func (b *GetCallInfoBuiltin) Execute(ctx context.Context, args map[string]any) (any, *core.Error) {
	return b.actions.Info(), nil
}

// validPhoneNumber accepts E.164 and close-enough dialstrings: an
// optional +, then 7 to 15 digits.
func validPhoneNumber(s string) bool {
	s = strings.TrimPrefix(s, "+")
	if len(s) < 7 || len(s) > 15 {
		return false
	}
	for _, r := range s {
		if !unicode.IsDigit(r) {
			return false
		}
	}
	return true
}
