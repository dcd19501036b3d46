package bpmn

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func loadGraphFile(t *testing.T, file string) *FlowGraph {
	t.Helper()
	data, err := os.ReadFile(file)
	require.NoError(t, err)
	graph, err := LoadGraph(data)
	require.NoError(t, err)
	return graph
}

func TestLoadGraphResolvesNodesAndFlows(t *testing.T) {
	graph := loadGraphFile(t, "./test-cases/simple_task.bpmn")

	assert.Equal(t, "simple-task", graph.ProcessId)
	assert.Equal(t, "Simple Task", graph.Name)
	assert.Equal(t, 3, graph.NodeCount())
	require.Len(t, graph.StartNodes(), 1)

	task, ok := graph.NodeById("id")
	require.True(t, ok)
	assert.Equal(t, NodeKindServiceTask, task.Kind)
	assert.Equal(t, ImplementationWebService, task.Implementation)
	require.Len(t, task.Incoming, 1)
	require.Len(t, task.Outgoing, 1)
	assert.Equal(t, "start", task.Incoming[0].Source.Id)
	assert.Equal(t, "end", task.Outgoing[0].Target.Id)
}

func TestLoadGraphDecodesConditionEntities(t *testing.T) {
	graph := loadGraphFile(t, "./test-cases/exclusive_gateway.bpmn")

	gateway, ok := graph.NodeById("decide")
	require.True(t, ok)
	assert.Equal(t, NodeKindExclusiveGateway, gateway.Kind)
	assert.Equal(t, "flow-other", gateway.DefaultFlow)

	conditions := map[string]string{}
	for _, flow := range gateway.Outgoing {
		conditions[flow.Id] = flow.Condition
	}
	// xml entities in condition expressions must come out decoded
	assert.Equal(t, "=amount > 100", conditions["flow-high"])
	assert.Equal(t, "=amount > 10", conditions["flow-low"])
	assert.Equal(t, "", conditions["flow-other"])
}

func TestLoadGraphParsesTimerAndMessageEvents(t *testing.T) {
	timer := loadGraphFile(t, "./test-cases/timer_event.bpmn")
	wait, ok := timer.NodeById("wait")
	require.True(t, ok)
	assert.Equal(t, NodeKindIntermediateCatchEvent, wait.Kind)
	assert.Equal(t, "PT1H", wait.TimerDuration)

	message := loadGraphFile(t, "./test-cases/message_event.bpmn")
	catch, ok := message.NodeById("wait-payment")
	require.True(t, ok)
	assert.Equal(t, "order-paid", catch.MessageName)
}

func TestLoadGraphParsesLoopCharacteristics(t *testing.T) {
	standard := loadGraphFile(t, "./test-cases/standard_loop.bpmn")
	retry, ok := standard.NodeById("retry")
	require.True(t, ok)
	require.NotNil(t, retry.Loop)
	assert.Equal(t, LoopKindStandard, retry.Loop.Kind)
	assert.True(t, retry.Loop.TestBefore)
	assert.Equal(t, "=remaining > 0", retry.Loop.Condition)
	assert.Equal(t, 10, retry.Loop.Maximum)

	multi := loadGraphFile(t, "./test-cases/multi_instance.bpmn")
	notify, ok := multi.NodeById("notify")
	require.True(t, ok)
	require.NotNil(t, notify.Loop)
	assert.Equal(t, LoopKindMultiInstanceSequential, notify.Loop.Kind)
	assert.Equal(t, "=recipients", notify.Loop.InputCollection)
	assert.Equal(t, "recipient", notify.Loop.InputElement)
}

func TestLoadGraphBuildsSubProcessGraph(t *testing.T) {
	graph := loadGraphFile(t, "./test-cases/sub_process.bpmn")

	embedded, ok := graph.NodeById("embedded")
	require.True(t, ok)
	assert.Equal(t, NodeKindSubProcess, embedded.Kind)
	require.NotNil(t, embedded.SubGraph)
	assert.Equal(t, 3, embedded.SubGraph.NodeCount())
	require.Len(t, embedded.SubGraph.StartNodes(), 1)

	// inner nodes live in the sub-graph only
	_, ok = graph.NodeById("inner-script")
	assert.False(t, ok)
	_, ok = embedded.SubGraph.NodeById("inner-script")
	assert.True(t, ok)
}

func TestLoadGraphAllowsUnconnectedLinkEvents(t *testing.T) {
	graph := loadGraphFile(t, "./test-cases/link_event.bpmn")

	throwLink, ok := graph.NodeById("throw-link")
	require.True(t, ok)
	assert.Equal(t, "shortcut", throwLink.LinkName)
	assert.Empty(t, throwLink.Outgoing)

	catchLink, ok := graph.NodeById("catch-link")
	require.True(t, ok)
	assert.Equal(t, "shortcut", catchLink.LinkName)
	assert.Empty(t, catchLink.Incoming)
}

func TestLoadGraphRejectsInvalidDefinitions(t *testing.T) {
	tests := []struct {
		name    string
		xml     string
		element string
	}{
		{
			name:    "malformed xml",
			xml:     `<definitions><process></definitions>`,
			element: "definitions",
		},
		{
			name:    "missing process id",
			xml:     `<definitions><process name="no id"/></definitions>`,
			element: "process",
		},
		{
			name: "no start event",
			xml: `<definitions><process id="p">
				<endEvent id="end"/>
			</process></definitions>`,
			element: "p",
		},
		{
			name: "duplicate node id",
			xml: `<definitions><process id="p">
				<startEvent id="a"/>
				<endEvent id="a"/>
			</process></definitions>`,
			element: "a",
		},
		{
			name: "flow references unknown node",
			xml: `<definitions><process id="p">
				<startEvent id="start"><outgoing>f1</outgoing></startEvent>
				<endEvent id="end"><incoming>f1</incoming></endEvent>
				<sequenceFlow id="f1" sourceRef="start" targetRef="missing"/>
			</process></definitions>`,
			element: "f1",
		},
		{
			name: "node without incoming flow",
			xml: `<definitions><process id="p">
				<startEvent id="start"><outgoing>f1</outgoing></startEvent>
				<task id="orphan"><outgoing>f2</outgoing></task>
				<endEvent id="end"/>
				<sequenceFlow id="f1" sourceRef="start" targetRef="end"/>
				<sequenceFlow id="f2" sourceRef="orphan" targetRef="end"/>
			</process></definitions>`,
			element: "orphan",
		},
		{
			name: "default flow does not exist",
			xml: `<definitions><process id="p">
				<startEvent id="start"><outgoing>f1</outgoing></startEvent>
				<exclusiveGateway id="gw" default="missing"/>
				<endEvent id="end"/>
				<sequenceFlow id="f1" sourceRef="start" targetRef="gw"/>
				<sequenceFlow id="f2" sourceRef="gw" targetRef="end"/>
			</process></definitions>`,
			element: "gw",
		},
		{
			name: "timer without duration",
			xml: `<definitions><process id="p">
				<startEvent id="start"><outgoing>f1</outgoing></startEvent>
				<intermediateCatchEvent id="wait">
					<timerEventDefinition/>
				</intermediateCatchEvent>
				<endEvent id="end"/>
				<sequenceFlow id="f1" sourceRef="start" targetRef="wait"/>
				<sequenceFlow id="f2" sourceRef="wait" targetRef="end"/>
			</process></definitions>`,
			element: "wait",
		},
		{
			name: "catch event without event definition",
			xml: `<definitions><process id="p">
				<startEvent id="start"><outgoing>f1</outgoing></startEvent>
				<intermediateCatchEvent id="wait"/>
				<endEvent id="end"/>
				<sequenceFlow id="f1" sourceRef="start" targetRef="wait"/>
				<sequenceFlow id="f2" sourceRef="wait" targetRef="end"/>
			</process></definitions>`,
			element: "wait",
		},
		{
			name: "both loop kinds declared",
			xml: `<definitions><process id="p">
				<startEvent id="start"><outgoing>f1</outgoing></startEvent>
				<task id="work">
					<standardLoopCharacteristics><loopCondition>=x</loopCondition></standardLoopCharacteristics>
					<multiInstanceLoopCharacteristics/>
				</task>
				<endEvent id="end"/>
				<sequenceFlow id="f1" sourceRef="start" targetRef="work"/>
				<sequenceFlow id="f2" sourceRef="work" targetRef="end"/>
			</process></definitions>`,
			element: "work",
		},
		{
			name: "standard loop without condition or maximum",
			xml: `<definitions><process id="p">
				<startEvent id="start"><outgoing>f1</outgoing></startEvent>
				<task id="work">
					<standardLoopCharacteristics/>
				</task>
				<endEvent id="end"/>
				<sequenceFlow id="f1" sourceRef="start" targetRef="work"/>
				<sequenceFlow id="f2" sourceRef="work" targetRef="end"/>
			</process></definitions>`,
			element: "work",
		},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			graph, err := LoadGraph([]byte(test.xml))
			assert.Nil(t, graph)
			var parseErr *ParseError
			require.ErrorAs(t, err, &parseErr)
			assert.Equal(t, test.element, parseErr.Element)
		})
	}
}
