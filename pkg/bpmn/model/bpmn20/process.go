package bpmn20

type TProcess struct {
	TBaseElement
	Name         string `xml:"name,attr"`
	IsExecutable bool   `xml:"isExecutable,attr"`

	StartEvents             []TStartEvent             `xml:"startEvent"`
	EndEvents               []TEndEvent               `xml:"endEvent"`
	IntermediateCatchEvents []TIntermediateCatchEvent `xml:"intermediateCatchEvent"`
	IntermediateThrowEvents []TIntermediateThrowEvent `xml:"intermediateThrowEvent"`

	Tasks             []TTask             `xml:"task"`
	ManualTasks       []TTask             `xml:"manualTask"`
	BusinessRuleTasks []TTask             `xml:"businessRuleTask"`
	UserTasks         []TTask             `xml:"userTask"`
	ReceiveTasks      []TReceiveTask      `xml:"receiveTask"`
	ScriptTasks       []TScriptTask       `xml:"scriptTask"`
	ServiceTasks      []TImplementedTask  `xml:"serviceTask"`
	SendTasks         []TImplementedTask  `xml:"sendTask"`
	SubProcesses      []TSubProcess       `xml:"subProcess"`
	ExclusiveGateways []TExclusiveGateway `xml:"exclusiveGateway"`
	ParallelGateways  []TParallelGateway  `xml:"parallelGateway"`
	InclusiveGateways []TInclusiveGateway `xml:"inclusiveGateway"`

	SequenceFlows []TSequenceFlow `xml:"sequenceFlow"`
}
