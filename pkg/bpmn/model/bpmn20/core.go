// Package bpmn20 maps the subset of the BPMN 2.0 XML schema the engine
// understands onto Go structs. The structs are a parsing vehicle only;
// the engine executes against the flow graph built from them.
package bpmn20

// TBaseElement carries the attributes shared by all BPMN elements.
// The id is REQUIRED whenever the element is referenced by another one.
type TBaseElement struct {
	Id string `xml:"id,attr"`
}

func (t TBaseElement) GetId() string {
	return t.Id
}

type TDefinitions struct {
	TBaseElement
	Name            string   `xml:"name,attr"`
	TargetNamespace string   `xml:"targetNamespace,attr"`
	Process         TProcess `xml:"process"`
}

type TFlowElement struct {
	TBaseElement
	Name string `xml:"name,attr"`
}

func (fe TFlowElement) GetName() string {
	return fe.Name
}

type TFlowNode struct {
	TFlowElement
	IncomingAssociation []string `xml:"incoming"`
	OutgoingAssociation []string `xml:"outgoing"`
}

func (fn TFlowNode) GetIncomingAssociation() []string {
	return fn.IncomingAssociation
}

func (fn TFlowNode) GetOutgoingAssociation() []string {
	return fn.OutgoingAssociation
}

type TSequenceFlow struct {
	TFlowElement
	SourceRef           string        `xml:"sourceRef,attr"`
	TargetRef           string        `xml:"targetRef,attr"`
	ConditionExpression []TExpression `xml:"conditionExpression"`
}

// GetConditionExpression returns the first condition expression text,
// or the empty string for unconditional flows.
func (sf TSequenceFlow) GetConditionExpression() string {
	if len(sf.ConditionExpression) == 0 {
		return ""
	}
	return sf.ConditionExpression[0].Text
}

type TExpression struct {
	Text string `xml:",chardata"`
}
