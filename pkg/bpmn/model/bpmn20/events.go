package bpmn20

type TEvent struct {
	TFlowNode
}

type TStartEvent struct {
	TEvent
	IsInterrupting   bool `xml:"isInterrupting,attr"`
	ParallelMultiple bool `xml:"parallelMultiple,attr"`
}

type TEndEvent struct {
	TEvent
}

type TIntermediateCatchEvent struct {
	TEvent
	MessageEventDefinition *TMessageEventDefinition `xml:"messageEventDefinition"`
	TimerEventDefinition   *TTimerEventDefinition   `xml:"timerEventDefinition"`
	LinkEventDefinition    *TLinkEventDefinition    `xml:"linkEventDefinition"`
}

type TIntermediateThrowEvent struct {
	TEvent
	LinkEventDefinition *TLinkEventDefinition `xml:"linkEventDefinition"`
}

type TMessageEventDefinition struct {
	Id         string `xml:"id,attr"`
	MessageRef string `xml:"messageRef,attr"`
}

type TTimerEventDefinition struct {
	Id           string        `xml:"id,attr"`
	TimeDuration TTimeDuration `xml:"timeDuration"`
}

// TTimeDuration holds an ISO-8601 duration, e.g. PT15M.
type TTimeDuration struct {
	Text string `xml:",chardata"`
}

type TLinkEventDefinition struct {
	Id   string `xml:"id,attr"`
	Name string `xml:"name,attr"`
}
