package flow

import (
	"fmt"
	"sort"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/mohitkumar/nurture/model"
	"github.com/mohitkumar/nurture/node"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

type ValidationError struct {
	FlowId   string
	Problems []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("flow %s is invalid: %s", e.FlowId, strings.Join(e.Problems, "; "))
}

type Step struct {
	model.Node
	Config node.Config
}

// Flow is the compiled, read-only form of one published flow version.
type Flow struct {
	Definition *model.FlowDefinition
	steps      map[string]*Step
	next       map[string]map[string]string
	triggers   []*Step
}

func (f *Flow) Id() string   { return f.Definition.Id }
func (f *Flow) Version() int { return f.Definition.Version }

func (f *Flow) Step(id string) (*Step, bool) {
	s, ok := f.steps[id]
	return s, ok
}

// Next returns the node reached from nodeId on branch key, falling back to
// the node's default edge.
func (f *Flow) Next(nodeId string, key string) (string, bool) {
	out := f.next[nodeId]
	if to, ok := out[key]; ok {
		return to, true
	}
	to, ok := out[model.BRANCH_DEFAULT]
	return to, ok
}

func (f *Flow) Triggers() []*Step {
	return f.triggers
}

// Entry is where manual and subflow enrollments start: the first trigger,
// or the first node when the flow has no trigger.
func (f *Flow) Entry() string {
	if len(f.triggers) > 0 {
		return f.triggers[0].Id
	}
	return f.Definition.Nodes[0].Id
}

// MatchTrigger returns the first trigger node fired by ev.
func (f *Flow) MatchTrigger(ev model.DomainEvent) (*Step, bool) {
	for _, t := range f.triggers {
		if t.Config.(*node.TriggerConfig).Matches(ev) {
			return t, true
		}
	}
	return nil, false
}

func (f *Flow) LoopLimit(fallback int) int {
	if f.Definition.Settings.LoopLimit > 0 {
		return f.Definition.Settings.LoopLimit
	}
	return fallback
}

func (f *Flow) FailurePolicy() model.ActionFailurePolicy {
	if f.Definition.Settings.OnActionFailure == "" {
		return model.ON_FAILURE_FAIL
	}
	return f.Definition.Settings.OnActionFailure
}

// Convert compiles def, rejecting it with a ValidationError listing every
// problem found.
func Convert(def *model.FlowDefinition) (*Flow, error) {
	verr := &ValidationError{FlowId: def.Id}
	if err := validate.Struct(def); err != nil {
		verr.Problems = append(verr.Problems, err.Error())
		return nil, verr
	}
	fl := &Flow{
		Definition: def,
		steps:      make(map[string]*Step, len(def.Nodes)),
		next:       make(map[string]map[string]string),
	}
	for _, n := range def.Nodes {
		if _, ok := fl.steps[n.Id]; ok {
			verr.Problems = append(verr.Problems, fmt.Sprintf("node id %s is duplicate", n.Id))
			continue
		}
		cfg, err := node.Decode(n)
		if err != nil {
			verr.Problems = append(verr.Problems, err.Error())
			continue
		}
		step := &Step{Node: n, Config: cfg}
		fl.steps[n.Id] = step
		if n.Kind == model.KIND_TRIGGER {
			fl.triggers = append(fl.triggers, step)
		}
	}
	for _, e := range def.Edges {
		_, fromOk := fl.steps[e.From]
		_, toOk := fl.steps[e.To]
		if !fromOk || !toOk {
			verr.Problems = append(verr.Problems, fmt.Sprintf("edge %s -> %s references an unknown node", e.From, e.To))
			continue
		}
		out, ok := fl.next[e.From]
		if !ok {
			out = make(map[string]string)
			fl.next[e.From] = out
		}
		if _, dup := out[e.Key()]; dup {
			verr.Problems = append(verr.Problems, fmt.Sprintf("node %s has more than one %q edge", e.From, e.Key()))
			continue
		}
		out[e.Key()] = e.To
	}
	if len(verr.Problems) > 0 {
		return nil, verr
	}
	verr.Problems = append(verr.Problems, fl.checkBranches()...)
	verr.Problems = append(verr.Problems, fl.checkCycles()...)
	if len(verr.Problems) > 0 {
		return nil, verr
	}
	return fl, nil
}

func Validate(def *model.FlowDefinition) error {
	_, err := Convert(def)
	return err
}

func (f *Flow) checkBranches() []string {
	var problems []string
	for _, n := range f.Definition.Nodes {
		step := f.steps[n.Id]
		produced := map[string]bool{model.BRANCH_DEFAULT: true}
		for _, key := range step.Config.BranchKeys() {
			produced[key] = true
			if _, ok := f.Next(n.Id, key); !ok {
				problems = append(problems, fmt.Sprintf("node %s has no edge for branch %q", n.Id, key))
			}
		}
		if n.Kind == model.KIND_ACTION {
			produced[model.BRANCH_FAILED] = true
		}
		keys := make([]string, 0, len(f.next[n.Id]))
		for key := range f.next[n.Id] {
			keys = append(keys, key)
		}
		sort.Strings(keys)
		for _, key := range keys {
			if !produced[key] {
				problems = append(problems, fmt.Sprintf("node %s never produces branch %q", n.Id, key))
			}
		}
		switch cfg := step.Config.(type) {
		case *node.GotoConfig:
			if _, ok := f.steps[cfg.Target]; !ok {
				problems = append(problems, fmt.Sprintf("goto %s targets unknown node %s", n.Id, cfg.Target))
			}
		case *node.SubflowConfig:
			if cfg.FlowId == f.Definition.Id {
				problems = append(problems, fmt.Sprintf("subflow %s starts its own flow %s", n.Id, cfg.FlowId))
			}
		case *node.EndFlowConfig:
			if len(f.next[n.Id]) > 0 {
				problems = append(problems, fmt.Sprintf("end_flow %s has outgoing edges", n.Id))
			}
		}
	}
	return problems
}

// checkCycles rejects cycles made of edges. Loops must go through a goto
// node so the loop guard bounds them.
func (f *Flow) checkCycles() []string {
	const (
		unvisited = iota
		visiting
		done
	)
	state := make(map[string]int, len(f.steps))
	var problems []string
	var visit func(id string) bool
	visit = func(id string) bool {
		state[id] = visiting
		keys := make([]string, 0, len(f.next[id]))
		for key := range f.next[id] {
			keys = append(keys, key)
		}
		sort.Strings(keys)
		for _, key := range keys {
			to := f.next[id][key]
			switch state[to] {
			case visiting:
				problems = append(problems, fmt.Sprintf("edge %s -> %s closes a cycle; loops must use a goto node", id, to))
				return false
			case unvisited:
				if !visit(to) {
					return false
				}
			}
		}
		state[id] = done
		return true
	}
	for _, n := range f.Definition.Nodes {
		if state[n.Id] == unvisited && !visit(n.Id) {
			break
		}
	}
	return problems
}
