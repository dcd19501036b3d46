package bpmn

import (
	"encoding/xml"
	"fmt"

	"github.com/procflow/procflow/pkg/bpmn/model/bpmn20"
)

// NodeKind discriminates flow-node variants. Behaviors are dispatched on
// it through a flat registry, so new kinds stay additive.
type NodeKind string

const (
	NodeKindStartEvent             NodeKind = "START_EVENT"
	NodeKindEndEvent               NodeKind = "END_EVENT"
	NodeKindIntermediateCatchEvent NodeKind = "INTERMEDIATE_CATCH_EVENT"
	NodeKindIntermediateThrowEvent NodeKind = "INTERMEDIATE_THROW_EVENT"
	NodeKindTask                   NodeKind = "TASK"
	NodeKindManualTask             NodeKind = "MANUAL_TASK"
	NodeKindBusinessRuleTask       NodeKind = "BUSINESS_RULE_TASK"
	NodeKindUserTask               NodeKind = "USER_TASK"
	NodeKindScriptTask             NodeKind = "SCRIPT_TASK"
	NodeKindServiceTask            NodeKind = "SERVICE_TASK"
	NodeKindSendTask               NodeKind = "SEND_TASK"
	NodeKindReceiveTask            NodeKind = "RECEIVE_TASK"
	NodeKindSubProcess             NodeKind = "SUB_PROCESS"
	NodeKindExclusiveGateway       NodeKind = "EXCLUSIVE_GATEWAY"
	NodeKindParallelGateway        NodeKind = "PARALLEL_GATEWAY"
	NodeKindInclusiveGateway       NodeKind = "INCLUSIVE_GATEWAY"
)

// Implementation technology of a service or send task, from the BPMN
// implementation attribute.
type Implementation string

const (
	ImplementationUnspecified Implementation = "##unspecified"
	ImplementationWebService  Implementation = "##WebService"
)

type LoopKind string

const (
	LoopKindStandard                LoopKind = "STANDARD"
	LoopKindMultiInstanceSequential LoopKind = "MULTI_INSTANCE_SEQUENTIAL"
	LoopKindMultiInstanceParallel   LoopKind = "MULTI_INSTANCE_PARALLEL"
)

// LoopCharacteristics wraps a node's behavior in iteration semantics.
// For standard loops TestBefore selects while (true) vs until (false).
type LoopCharacteristics struct {
	Kind            LoopKind
	TestBefore      bool
	Condition       string
	Maximum         int
	InputCollection string
	InputElement    string
}

// SequenceFlow is a resolved directed edge between two flow nodes.
type SequenceFlow struct {
	Id        string
	Name      string
	Source    *FlowNode
	Target    *FlowNode
	Condition string
}

// FlowNode is a graph vertex with kind-specific attributes flattened
// onto one struct. Nodes are immutable after LoadGraph returns.
type FlowNode struct {
	Id       string
	Name     string
	Kind     NodeKind
	Incoming []*SequenceFlow
	Outgoing []*SequenceFlow

	// DefaultFlow is the flow id taken by a gateway when no condition
	// matches; empty when no default is declared.
	DefaultFlow string

	Implementation Implementation // service/send tasks
	MessageName    string         // receive tasks, message catch events
	Script         string         // script tasks
	ScriptFormat   string         // mime-type of the script language
	TimerDuration  string         // ISO-8601, timer catch events
	LinkName       string         // link throw/catch events
	Loop           *LoopCharacteristics
	SubGraph       *FlowGraph // embedded sub-process
}

// FlowGraph is the immutable in-memory form of one process definition
// version. It is safe to share read-only across concurrently executing
// instances.
type FlowGraph struct {
	ProcessId string
	Name      string
	nodes     map[string]*FlowNode
	flows     map[string]*SequenceFlow
	starts    []*FlowNode
}

// NodeById returns the node with the given id.
func (g *FlowGraph) NodeById(id string) (*FlowNode, bool) {
	n, ok := g.nodes[id]
	return n, ok
}

// StartNodes returns the start events of the process, in document order.
func (g *FlowGraph) StartNodes() []*FlowNode {
	return g.starts
}

// NodeCount reports the number of flow nodes in the graph.
func (g *FlowGraph) NodeCount() int {
	return len(g.nodes)
}

// LoadGraph parses BPMN XML and builds the executable flow graph.
// Malformed or unresolvable definitions fail with a *ParseError naming
// the offending element; no partial graph is ever returned.
func LoadGraph(data []byte) (*FlowGraph, error) {
	var definitions bpmn20.TDefinitions
	if err := xml.Unmarshal(data, &definitions); err != nil {
		return nil, &ParseError{Element: "definitions", Msg: "failed to unmarshal BPMN XML", Err: err}
	}
	process := definitions.Process
	if process.Id == "" {
		return nil, &ParseError{Element: "process", Msg: "process element is missing or has no id"}
	}
	g, err := buildGraph(graphSource{
		id:                      process.Id,
		name:                    process.Name,
		startEvents:             process.StartEvents,
		endEvents:               process.EndEvents,
		intermediateCatchEvents: process.IntermediateCatchEvents,
		intermediateThrowEvents: process.IntermediateThrowEvents,
		tasks:                   process.Tasks,
		manualTasks:             process.ManualTasks,
		businessRuleTasks:       process.BusinessRuleTasks,
		userTasks:               process.UserTasks,
		receiveTasks:            process.ReceiveTasks,
		scriptTasks:             process.ScriptTasks,
		serviceTasks:            process.ServiceTasks,
		sendTasks:               process.SendTasks,
		subProcesses:            process.SubProcesses,
		exclusiveGateways:       process.ExclusiveGateways,
		parallelGateways:        process.ParallelGateways,
		inclusiveGateways:       process.InclusiveGateways,
		sequenceFlows:           process.SequenceFlows,
	})
	if err != nil {
		return nil, err
	}
	return g, nil
}

// graphSource flattens a TProcess or TSubProcess body so both share one
// build path.
type graphSource struct {
	id                      string
	name                    string
	startEvents             []bpmn20.TStartEvent
	endEvents               []bpmn20.TEndEvent
	intermediateCatchEvents []bpmn20.TIntermediateCatchEvent
	intermediateThrowEvents []bpmn20.TIntermediateThrowEvent
	tasks                   []bpmn20.TTask
	manualTasks             []bpmn20.TTask
	businessRuleTasks       []bpmn20.TTask
	userTasks               []bpmn20.TTask
	receiveTasks            []bpmn20.TReceiveTask
	scriptTasks             []bpmn20.TScriptTask
	serviceTasks            []bpmn20.TImplementedTask
	sendTasks               []bpmn20.TImplementedTask
	subProcesses            []bpmn20.TSubProcess
	exclusiveGateways       []bpmn20.TExclusiveGateway
	parallelGateways        []bpmn20.TParallelGateway
	inclusiveGateways       []bpmn20.TInclusiveGateway
	sequenceFlows           []bpmn20.TSequenceFlow
}

func buildGraph(src graphSource) (*FlowGraph, error) {
	g := &FlowGraph{
		ProcessId: src.id,
		Name:      src.name,
		nodes:     map[string]*FlowNode{},
		flows:     map[string]*SequenceFlow{},
	}

	add := func(n *FlowNode) error {
		if n.Id == "" {
			return &ParseError{Element: string(n.Kind), Msg: "flow node has no id"}
		}
		if _, exists := g.nodes[n.Id]; exists {
			return &ParseError{Element: n.Id, Msg: "duplicate flow node id"}
		}
		g.nodes[n.Id] = n
		return nil
	}

	for _, e := range src.startEvents {
		n := &FlowNode{Id: e.Id, Name: e.Name, Kind: NodeKindStartEvent}
		if err := add(n); err != nil {
			return nil, err
		}
		g.starts = append(g.starts, n)
	}
	for _, e := range src.endEvents {
		if err := add(&FlowNode{Id: e.Id, Name: e.Name, Kind: NodeKindEndEvent}); err != nil {
			return nil, err
		}
	}
	for _, e := range src.intermediateCatchEvents {
		n := &FlowNode{Id: e.Id, Name: e.Name, Kind: NodeKindIntermediateCatchEvent}
		switch {
		case e.TimerEventDefinition != nil:
			n.TimerDuration = e.TimerEventDefinition.TimeDuration.Text
			if n.TimerDuration == "" {
				return nil, &ParseError{Element: e.Id, Msg: "timer event has no timeDuration"}
			}
		case e.MessageEventDefinition != nil:
			n.MessageName = e.MessageEventDefinition.MessageRef
		case e.LinkEventDefinition != nil:
			n.LinkName = e.LinkEventDefinition.Name
		default:
			return nil, &ParseError{Element: e.Id, Msg: "intermediate catch event has no supported event definition"}
		}
		if err := add(n); err != nil {
			return nil, err
		}
	}
	for _, e := range src.intermediateThrowEvents {
		n := &FlowNode{Id: e.Id, Name: e.Name, Kind: NodeKindIntermediateThrowEvent}
		if e.LinkEventDefinition != nil {
			n.LinkName = e.LinkEventDefinition.Name
		}
		if err := add(n); err != nil {
			return nil, err
		}
	}

	addActivity := func(n *FlowNode, a bpmn20.TActivity) error {
		n.DefaultFlow = a.Default
		loop, err := loopCharacteristics(n.Id, a)
		if err != nil {
			return err
		}
		n.Loop = loop
		return add(n)
	}

	for _, t := range src.tasks {
		if err := addActivity(&FlowNode{Id: t.Id, Name: t.Name, Kind: NodeKindTask}, t.TActivity); err != nil {
			return nil, err
		}
	}
	for _, t := range src.manualTasks {
		if err := addActivity(&FlowNode{Id: t.Id, Name: t.Name, Kind: NodeKindManualTask}, t.TActivity); err != nil {
			return nil, err
		}
	}
	for _, t := range src.businessRuleTasks {
		if err := addActivity(&FlowNode{Id: t.Id, Name: t.Name, Kind: NodeKindBusinessRuleTask}, t.TActivity); err != nil {
			return nil, err
		}
	}
	for _, t := range src.userTasks {
		if err := addActivity(&FlowNode{Id: t.Id, Name: t.Name, Kind: NodeKindUserTask}, t.TActivity); err != nil {
			return nil, err
		}
	}
	for _, t := range src.receiveTasks {
		n := &FlowNode{Id: t.Id, Name: t.Name, Kind: NodeKindReceiveTask, MessageName: t.MessageRef}
		if err := addActivity(n, t.TActivity); err != nil {
			return nil, err
		}
	}
	for _, t := range src.scriptTasks {
		n := &FlowNode{Id: t.Id, Name: t.Name, Kind: NodeKindScriptTask, Script: t.Script.Text, ScriptFormat: t.ScriptFormat}
		if err := addActivity(n, t.TActivity); err != nil {
			return nil, err
		}
	}
	for _, t := range src.serviceTasks {
		n := &FlowNode{Id: t.Id, Name: t.Name, Kind: NodeKindServiceTask, Implementation: implementation(t.Implementation)}
		if err := addActivity(n, t.TActivity); err != nil {
			return nil, err
		}
	}
	for _, t := range src.sendTasks {
		n := &FlowNode{Id: t.Id, Name: t.Name, Kind: NodeKindSendTask, Implementation: implementation(t.Implementation)}
		if err := addActivity(n, t.TActivity); err != nil {
			return nil, err
		}
	}
	for _, sp := range src.subProcesses {
		sub, err := buildGraph(graphSource{
			id:                      sp.Id,
			name:                    sp.Name,
			startEvents:             sp.StartEvents,
			endEvents:               sp.EndEvents,
			intermediateCatchEvents: sp.IntermediateCatchEvents,
			intermediateThrowEvents: sp.IntermediateThrowEvents,
			tasks:                   sp.Tasks,
			manualTasks:             sp.ManualTasks,
			scriptTasks:             sp.ScriptTasks,
			exclusiveGateways:       sp.ExclusiveGateways,
			parallelGateways:        sp.ParallelGateways,
			sequenceFlows:           sp.SequenceFlows,
		})
		if err != nil {
			return nil, err
		}
		n := &FlowNode{Id: sp.Id, Name: sp.Name, Kind: NodeKindSubProcess, SubGraph: sub}
		if err := addActivity(n, sp.TActivity); err != nil {
			return nil, err
		}
	}
	for _, gw := range src.exclusiveGateways {
		n := &FlowNode{Id: gw.Id, Name: gw.Name, Kind: NodeKindExclusiveGateway, DefaultFlow: gw.Default}
		if err := add(n); err != nil {
			return nil, err
		}
	}
	for _, gw := range src.parallelGateways {
		if err := add(&FlowNode{Id: gw.Id, Name: gw.Name, Kind: NodeKindParallelGateway}); err != nil {
			return nil, err
		}
	}
	for _, gw := range src.inclusiveGateways {
		n := &FlowNode{Id: gw.Id, Name: gw.Name, Kind: NodeKindInclusiveGateway, DefaultFlow: gw.Default}
		if err := add(n); err != nil {
			return nil, err
		}
	}

	// resolve sequence flows into direct node-to-node edges
	for _, sf := range src.sequenceFlows {
		if sf.Id == "" {
			return nil, &ParseError{Element: "sequenceFlow", Msg: "sequence flow has no id"}
		}
		source, ok := g.nodes[sf.SourceRef]
		if !ok {
			return nil, &ParseError{Element: sf.Id, Msg: fmt.Sprintf("sequence flow references unknown source %q", sf.SourceRef)}
		}
		target, ok := g.nodes[sf.TargetRef]
		if !ok {
			return nil, &ParseError{Element: sf.Id, Msg: fmt.Sprintf("sequence flow references unknown target %q", sf.TargetRef)}
		}
		flow := &SequenceFlow{
			Id:        sf.Id,
			Name:      sf.Name,
			Source:    source,
			Target:    target,
			Condition: sf.GetConditionExpression(),
		}
		g.flows[flow.Id] = flow
		source.Outgoing = append(source.Outgoing, flow)
		target.Incoming = append(target.Incoming, flow)
	}

	if err := g.validate(); err != nil {
		return nil, err
	}
	return g, nil
}

func (g *FlowGraph) validate() error {
	if len(g.starts) == 0 {
		return &ParseError{Element: g.ProcessId, Msg: "process has no start event"}
	}
	for _, n := range g.nodes {
		// link events are connected through their link name, not flows:
		// the catch side may have no incoming flow, the throw side no
		// outgoing flow
		linkCatch := n.Kind == NodeKindIntermediateCatchEvent && n.LinkName != ""
		linkThrow := n.Kind == NodeKindIntermediateThrowEvent && n.LinkName != ""
		if n.Kind != NodeKindStartEvent && !linkCatch && len(n.Incoming) == 0 {
			return &ParseError{Element: n.Id, Msg: "flow node has no incoming sequence flow"}
		}
		if n.Kind != NodeKindEndEvent && !linkThrow && len(n.Outgoing) == 0 {
			return &ParseError{Element: n.Id, Msg: "flow node has no outgoing sequence flow"}
		}
		if n.DefaultFlow != "" {
			if _, ok := g.flows[n.DefaultFlow]; !ok {
				return &ParseError{Element: n.Id, Msg: fmt.Sprintf("default flow %q does not exist", n.DefaultFlow)}
			}
		}
	}
	return nil
}

func loopCharacteristics(nodeId string, a bpmn20.TActivity) (*LoopCharacteristics, error) {
	if a.StandardLoopCharacteristics != nil && a.MultiInstanceLoopCharacteristics != nil {
		return nil, &ParseError{Element: nodeId, Msg: "activity declares both standard and multi-instance loop characteristics"}
	}
	if std := a.StandardLoopCharacteristics; std != nil {
		if std.LoopCondition.Text == "" && std.LoopMaximum <= 0 {
			return nil, &ParseError{Element: nodeId, Msg: "standard loop has neither loopCondition nor loopMaximum"}
		}
		return &LoopCharacteristics{
			Kind:       LoopKindStandard,
			TestBefore: std.TestBefore,
			Condition:  std.LoopCondition.Text,
			Maximum:    std.LoopMaximum,
		}, nil
	}
	if mi := a.MultiInstanceLoopCharacteristics; mi != nil {
		if mi.InputCollection == "" {
			return nil, &ParseError{Element: nodeId, Msg: "multi-instance loop has no inputCollection"}
		}
		kind := LoopKindMultiInstanceParallel
		if mi.IsSequential {
			kind = LoopKindMultiInstanceSequential
		}
		return &LoopCharacteristics{
			Kind:            kind,
			InputCollection: mi.InputCollection,
			InputElement:    mi.InputElement,
		}, nil
	}
	return nil, nil
}

func implementation(raw string) Implementation {
	if raw == string(ImplementationWebService) {
		return ImplementationWebService
	}
	return ImplementationUnspecified
}
