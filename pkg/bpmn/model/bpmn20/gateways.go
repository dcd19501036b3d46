package bpmn20

type TGateway struct {
	TFlowNode
	// Default references the sequence flow taken when no condition matches.
	Default string `xml:"default,attr"`
}

type TExclusiveGateway struct {
	TGateway
}

type TParallelGateway struct {
	TGateway
}

type TInclusiveGateway struct {
	TGateway
}
