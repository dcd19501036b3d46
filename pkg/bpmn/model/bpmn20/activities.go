package bpmn20

// TActivity carries what all activity variants share: the optional
// default-flow reference and the optional loop characteristics.
type TActivity struct {
	TFlowNode
	Default                          string                             `xml:"default,attr"`
	StandardLoopCharacteristics      *TStandardLoopCharacteristics      `xml:"standardLoopCharacteristics"`
	MultiInstanceLoopCharacteristics *TMultiInstanceLoopCharacteristics `xml:"multiInstanceLoopCharacteristics"`
}

type TTask struct {
	TActivity
}

type TReceiveTask struct {
	TActivity
	MessageRef string `xml:"messageRef,attr"`
}

// TImplementedTask is the shape shared by service and send tasks: work
// delegated to an external implementation technology.
type TImplementedTask struct {
	TActivity
	// Implementation names the technology; "##unspecified" or
	// "##WebService" per the BPMN schema.
	Implementation string `xml:"implementation,attr"`
	OperationRef   string `xml:"operationRef,attr"`
}

type TScriptTask struct {
	TActivity
	// ScriptFormat is a mime-type naming the scripting language.
	ScriptFormat string  `xml:"scriptFormat,attr"`
	Script       TScript `xml:"script"`
}

type TScript struct {
	Text string `xml:",chardata"`
}

type TSubProcess struct {
	TActivity
	TriggeredByEvent bool `xml:"triggeredByEvent,attr"`

	StartEvents             []TStartEvent             `xml:"startEvent"`
	EndEvents               []TEndEvent               `xml:"endEvent"`
	IntermediateCatchEvents []TIntermediateCatchEvent `xml:"intermediateCatchEvent"`
	IntermediateThrowEvents []TIntermediateThrowEvent `xml:"intermediateThrowEvent"`
	Tasks                   []TTask                   `xml:"task"`
	ManualTasks             []TTask                   `xml:"manualTask"`
	ScriptTasks             []TScriptTask             `xml:"scriptTask"`
	ExclusiveGateways       []TExclusiveGateway       `xml:"exclusiveGateway"`
	ParallelGateways        []TParallelGateway        `xml:"parallelGateway"`
	SequenceFlows           []TSequenceFlow           `xml:"sequenceFlow"`
}

// TStandardLoopCharacteristics models the BPMN standard loop: testBefore
// true is a while loop (zero or more executions), false an until loop
// (one or more executions).
type TStandardLoopCharacteristics struct {
	TestBefore    bool        `xml:"testBefore,attr"`
	LoopMaximum   int         `xml:"loopMaximum,attr"`
	LoopCondition TExpression `xml:"loopCondition"`
}

type TMultiInstanceLoopCharacteristics struct {
	IsSequential        bool        `xml:"isSequential,attr"`
	LoopCardinality     TExpression `xml:"loopCardinality"`
	InputCollection     string      `xml:"extensionElements>loopCharacteristics>inputCollection"`
	InputElement        string      `xml:"extensionElements>loopCharacteristics>inputElement"`
	CompletionCondition TExpression `xml:"completionCondition"`
}
