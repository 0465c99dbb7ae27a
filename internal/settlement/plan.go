package settlement

import "github.com/fantalega/trade-engine/internal/model"

// Plan lists the writes that realize c, in execution order: proposer
// players, receiver players, proposer blocks, receiver blocks, the payer's
// debit, the payee's credit, and finally the proposal record itself
// (marked accepted going forward, deleted in reverse).
//
// The debit precedes the credit so that a payer who can no longer cover
// the amount stops the chain before any credits are created.
func Plan(proposalID string, c model.Candidate, dir model.Direction) []model.SettlementStep {
	var steps []model.SettlementStep
	add := func(step model.SettlementStep) {
		step.Seq = len(steps) + 1
		step.Status = model.StepPending
		steps = append(steps, step)
	}

	for _, id := range c.ProposerPlayerIDs {
		add(model.SettlementStep{Kind: model.StepPlayer, TargetID: id, From: c.ProposerID, To: c.ReceiverID})
	}
	for _, id := range c.ReceiverPlayerIDs {
		add(model.SettlementStep{Kind: model.StepPlayer, TargetID: id, From: c.ReceiverID, To: c.ProposerID})
	}
	for _, id := range c.ProposerBlockIDs {
		add(model.SettlementStep{Kind: model.StepBlock, TargetID: id, From: c.ProposerID, To: c.ReceiverID})
	}
	for _, id := range c.ReceiverBlockIDs {
		add(model.SettlementStep{Kind: model.StepBlock, TargetID: id, From: c.ReceiverID, To: c.ProposerID})
	}

	if payer, amount := c.Payer(); amount > 0 {
		payee := c.ReceiverID
		if payer == c.ReceiverID {
			payee = c.ProposerID
		}
		add(model.SettlementStep{Kind: model.StepCredit, TargetID: payer, Amount: -amount})
		add(model.SettlementStep{Kind: model.StepCredit, TargetID: payee, Amount: amount})
	}

	if dir == model.DirectionReverse {
		add(model.SettlementStep{Kind: model.StepDelete, TargetID: proposalID})
	} else {
		add(model.SettlementStep{
			Kind:     model.StepProposalStatus,
			TargetID: proposalID,
			From:     string(model.StatusPending),
			To:       string(model.StatusAccepted),
		})
	}
	return steps
}
