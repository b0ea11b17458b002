package assoc

// Presentation context result codes, per DICOM PS3.8 Table 9-18.
const (
	ResultAcceptance                   byte = 0x00
	ResultUserRejection                byte = 0x01
	ResultNoReason                     byte = 0x02
	ResultAbstractSyntaxNotSupported   byte = 0x03
	ResultTransferSyntaxesNotSupported byte = 0x04
)

// ProposedContext is one presentation context offered in an
// A-ASSOCIATE-RQ: an abstract syntax plus the transfer syntaxes the
// requestor is willing to use for it.
type ProposedContext struct {
	ID               byte
	AbstractSyntax   string
	TransferSyntaxes []string
}

// NegotiatedContext is the outcome of deciding one ProposedContext:
// Result accepts or rejects it, and TransferSyntax is set only when
// Result is ResultAcceptance.
type NegotiatedContext struct {
	ID             byte
	Result         byte
	AbstractSyntax string
	TransferSyntax string
}

// Negotiate decides every proposed context against the acceptor's
// supported abstract and transfer syntaxes, in the order the pack's
// teacher code already uses: reject an unsupported abstract syntax
// before even looking at transfer syntaxes, then pick the first
// mutually supported transfer syntax (the requestor's preference
// order, per PS3.8 the proposer orders by preference).
func Negotiate(proposed []ProposedContext, supportsAbstractSyntax, supportsTransferSyntax func(string) bool) []NegotiatedContext {
	negotiated := make([]NegotiatedContext, 0, len(proposed))
	for _, pc := range proposed {
		nc := NegotiatedContext{ID: pc.ID, AbstractSyntax: pc.AbstractSyntax}

		if !supportsAbstractSyntax(pc.AbstractSyntax) {
			nc.Result = ResultAbstractSyntaxNotSupported
			negotiated = append(negotiated, nc)
			continue
		}

		chosen := ""
		for _, ts := range pc.TransferSyntaxes {
			if supportsTransferSyntax(ts) {
				chosen = ts
				break
			}
		}
		if chosen == "" {
			nc.Result = ResultTransferSyntaxesNotSupported
			negotiated = append(negotiated, nc)
			continue
		}

		nc.Result = ResultAcceptance
		nc.TransferSyntax = chosen
		negotiated = append(negotiated, nc)
	}
	return negotiated
}
