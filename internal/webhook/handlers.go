package webhook

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/taskmgr818/credit-ledger/internal/apperr"
	"github.com/taskmgr818/credit-ledger/internal/balance"
	"github.com/taskmgr818/credit-ledger/internal/billing"
	"github.com/taskmgr818/credit-ledger/internal/gateway"
	"github.com/taskmgr818/credit-ledger/internal/ledger"
	"github.com/taskmgr818/credit-ledger/internal/model"
)

// Handlers re-derive the target state from the notification and the stored
// rows, so running one twice is harmless.
type handlerFunc func(ctx context.Context, n *Notification) error

func (p *Processor) handler(t EventType) handlerFunc {
	switch t {
	case PaymentCreated:
		return p.onPaymentCreated
	case PaymentConfirmed, PaymentReceived:
		return p.onPaymentConfirmed
	case PaymentOverdue:
		return p.onPaymentOverdue
	case PaymentRefunded:
		return p.onPaymentRefunded
	case PaymentDeleted:
		return p.onPaymentDeleted
	case SubscriptionCreated, SubscriptionUpdated:
		return p.onSubscriptionChanged
	case SubscriptionDeleted:
		return p.onSubscriptionDeleted
	}
	return nil
}

// dispatch runs the handler of n. Kinds without a handler are accepted
// with a note so the gateway stops redelivering them.
func (p *Processor) dispatch(ctx context.Context, n *Notification) (note string, err error) {
	h := p.handler(n.Event)
	if h == nil {
		p.log.WithField("event", n.Event).Info("ignoring unhandled webhook event")
		return noteUnhandled, nil
	}
	return "", h(ctx, n)
}

// ─────────────────────────────────────────────
// Payment events
// ─────────────────────────────────────────────

func (p *Processor) onPaymentCreated(ctx context.Context, n *Notification) error {
	_, _, err := p.paymentContext(ctx, n.Payment)
	return err
}

func (p *Processor) onPaymentConfirmed(ctx context.Context, n *Notification) error {
	user, pay, err := p.paymentContext(ctx, n.Payment)
	if err != nil {
		return err
	}
	fields := logrus.Fields{"payment_id": pay.ID, "status": pay.Status}

	switch pay.Status {
	case billing.PaymentRefunded, billing.PaymentCancelled:
		p.log.WithFields(fields).Info("confirmation for a closed payment ignored")
		return nil
	case billing.PaymentConfirmed:
		// PAYMENT_RECEIVED follows PAYMENT_CONFIRMED, sometimes days later.
		// The first one already applied everything.
		p.log.WithFields(fields).Debug("payment already confirmed")
		return nil
	}
	if remote := p.remotePayment(ctx, pay.ID); remote != nil && remote.Closed() {
		p.log.WithFields(fields).WithField("gateway_status", remote.Status).
			Info("confirmation for a payment closed at the gateway ignored")
		return nil
	}

	if pay.Type == billing.PaymentSubscription {
		err = p.renewSubscription(ctx, user, pay)
	} else {
		err = p.grantPurchase(ctx, user, pay)
	}
	if err != nil {
		return err
	}

	// Confirmed only after the credits landed, so a crash in between is
	// replayed by the retry job.
	_, err = p.billing.SetPaymentStatus(ctx, pay.ID, billing.PaymentConfirmed)
	return err
}

// onPaymentOverdue marks the payment OVERDUE and, for a subscription charge,
// the user with it. A notice that arrives after the payment was settled
// changes nothing.
func (p *Processor) onPaymentOverdue(ctx context.Context, n *Notification) error {
	user, pay, err := p.paymentContext(ctx, n.Payment)
	if err != nil {
		return err
	}
	if remote := p.remotePayment(ctx, pay.ID); remote != nil && remote.Paid() {
		p.log.WithFields(logrus.Fields{"payment_id": pay.ID, "gateway_status": remote.Status}).
			Info("overdue notice for a settled payment ignored")
		return nil
	}

	if _, err := p.billing.SetPaymentStatus(ctx, pay.ID, billing.PaymentOverdue); err != nil {
		return err
	}
	stored, err := p.billing.Payment(ctx, pay.ID)
	if err != nil {
		return err
	}
	if stored.Status != billing.PaymentOverdue {
		p.log.WithFields(logrus.Fields{"payment_id": pay.ID, "status": stored.Status}).
			Info("overdue notice for a closed payment ignored")
		return nil
	}

	if stored.Type == billing.PaymentSubscription && user.SubscriptionStatus == model.SubscriptionActive {
		_, err = p.billing.SetUserStatus(ctx, user.ID, model.SubscriptionOverdue, "subscription payment overdue")
	}
	return err
}

func (p *Processor) onPaymentRefunded(ctx context.Context, n *Notification) error {
	user, pay, err := p.paymentContext(ctx, n.Payment)
	if err != nil {
		return err
	}
	if _, err := p.billing.SetPaymentStatus(ctx, pay.ID, billing.PaymentRefunded); err != nil {
		return err
	}

	if pay.Type == billing.PaymentCreditPurchase {
		res, err := p.balance.RevokePurchasePackage(ctx, pay.ID)
		if err != nil {
			return err
		}
		p.log.WithFields(logrus.Fields{"payment_id": pay.ID, "removed": res.Removed, "applied": res.Applied}).
			Info("credit purchase refunded")
		return nil
	}

	_, err = p.billing.CancelSubscription(ctx, user.ID, "subscription payment refunded")
	return err
}

func (p *Processor) onPaymentDeleted(ctx context.Context, n *Notification) error {
	_, pay, err := p.paymentContext(ctx, n.Payment)
	if err != nil {
		return err
	}
	_, err = p.billing.SetPaymentStatus(ctx, pay.ID, billing.PaymentCancelled)
	return err
}

// paymentContext resolves the user and records the payment row.
func (p *Processor) paymentContext(ctx context.Context, pp *PaymentPayload) (*model.User, *billing.Payment, error) {
	user, err := p.billing.ResolveCustomer(ctx, pp.Customer)
	if err != nil {
		return nil, nil, err
	}

	rec := &billing.Payment{
		ID:             pp.ID,
		UserID:         user.ID,
		Status:         billing.PaymentPending,
		Value:          gateway.Cents(pp.Value),
		SubscriptionID: pp.Subscription,
	}
	if pp.Subscription != "" {
		rec.Type = billing.PaymentSubscription
	} else {
		rec.Type = billing.PaymentCreditPurchase
		if credits, days, ok := purchaseReference(pp.ExternalReference); ok {
			rec.CreditAmount = credits
			rec.CreditValidityDays = days
		}
	}
	if due, ok := gateway.ParseDate(pp.DueDate); ok {
		rec.DueDate = &due
	}

	pay, err := p.billing.UpsertPayment(ctx, rec)
	if err != nil {
		return nil, nil, err
	}
	return user, pay, nil
}

// subscription fetches a subscription from the gateway to fill fields an
// out-of-order delivery left unknown.
func (p *Processor) subscription(ctx context.Context, id string) (*gateway.Subscription, error) {
	if p.gateway == nil {
		return nil, apperr.TransientGateway.New("no gateway client to resolve subscription %q", id)
	}
	return p.gateway.GetSubscription(ctx, id)
}

// remotePayment asks the gateway for its view of a payment. The answer is
// advisory: without a client, or when the lookup fails, the stored row and
// the notification decide.
func (p *Processor) remotePayment(ctx context.Context, id string) *gateway.Payment {
	if p.gateway == nil {
		return nil
	}
	remote, err := p.gateway.GetPayment(ctx, id)
	if err != nil {
		p.log.WithError(err).WithField("payment_id", id).Debug("gateway payment lookup failed")
		return nil
	}
	return remote
}

// renewSubscription activates the user and starts the cycle the payment
// covers. Plan and cycle come from the user row, or from the gateway when a
// SUBSCRIPTION_CREATED has not arrived yet.
func (p *Processor) renewSubscription(ctx context.Context, user *model.User, pay *billing.Payment) error {
	planID, cycle := user.PlanID, user.BillingCycle
	var nextDue *time.Time

	if planID == "" || !cycle.Valid() {
		sub, err := p.subscription(ctx, pay.SubscriptionID)
		if err != nil {
			return err
		}
		if planID == "" {
			planID = sub.ExternalReference
		}
		if !cycle.Valid() {
			cycle = sub.BillingCycle()
		}
		if due, ok := sub.NextDue(); ok {
			nextDue = &due
		}
	}
	if planID == "" || !cycle.Valid() {
		return apperr.NotFound.New("plan or cycle unknown for subscription %q", pay.SubscriptionID)
	}

	pl, err := p.plans.Get(ctx, planID)
	if err != nil {
		return err
	}

	var cycleStart time.Time
	if pay.DueDate != nil {
		cycleStart = *pay.DueDate
	}
	if nextDue == nil {
		base := p.now()
		if pay.DueDate != nil {
			base = *pay.DueDate
		}
		nd := cycle.Advance(base)
		nextDue = &nd
	}

	// A charge settled after its subscription was deleted still buys the
	// cycle it covers, but does not bring the subscription back.
	cancelled := user.SubscriptionStatus == model.SubscriptionCancelled &&
		user.GatewaySubscriptionID == pay.SubscriptionID
	if cancelled {
		p.log.WithFields(logrus.Fields{"user_id": user.ID, "subscription_id": pay.SubscriptionID}).
			Info("payment for a cancelled subscription, status left unchanged")
	} else if _, err := p.billing.Activate(ctx, user.ID, billing.SubscriptionLink{
		SubscriptionID: pay.SubscriptionID,
		PlanID:         planID,
		Cycle:          cycle,
		NextDueDate:    nextDue,
		EndsAt:         nextDue,
	}); err != nil {
		return err
	}

	res, err := p.balance.Renew(ctx, balance.RenewRequest{
		UserID:     user.ID,
		Plan:       pl,
		Cycle:      cycle,
		CycleStart: cycleStart,
		PaymentID:  pay.ID,
	})
	if err != nil {
		return err
	}
	p.log.WithFields(logrus.Fields{
		"user_id":    user.ID,
		"payment_id": pay.ID,
		"renewed":    res.Applied,
	}).Info("subscription payment applied")
	return nil
}

func (p *Processor) grantPurchase(ctx context.Context, user *model.User, pay *billing.Payment) error {
	if pay.CreditAmount <= 0 {
		return apperr.Validation.New("credit purchase %q carries no credit amount", pay.ID)
	}
	_, err := p.balance.GrantPurchase(ctx, balance.GrantRequest{
		UserID:     user.ID,
		PaymentID:  pay.ID,
		Credits:    pay.CreditAmount,
		ValidUntil: p.now().Add(pay.CreditValidity()),
		Source:     ledger.SourcePurchase,
	})
	return err
}

// ─────────────────────────────────────────────
// Subscription events
// ─────────────────────────────────────────────

func (p *Processor) onSubscriptionChanged(ctx context.Context, n *Notification) error {
	sp := n.Subscription
	user, err := p.billing.ResolveCustomer(ctx, sp.Customer)
	if err != nil {
		return err
	}
	if sp.Deleted {
		_, err = p.billing.CancelSubscription(ctx, user.ID, "subscription deleted")
		return err
	}

	link := billing.SubscriptionLink{
		SubscriptionID: sp.ID,
		CustomerID:     sp.Customer,
		PlanID:         sp.ExternalReference,
		Cycle:          gateway.ParseCycle(sp.Cycle),
	}
	if due, ok := gateway.ParseDate(sp.NextDueDate); ok {
		link.NextDueDate = &due
	}

	if link.PlanID == "" || !link.Cycle.Valid() || link.NextDueDate == nil {
		sub, err := p.subscription(ctx, sp.ID)
		if err != nil {
			return err
		}
		if link.PlanID == "" {
			link.PlanID = sub.ExternalReference
		}
		if !link.Cycle.Valid() {
			link.Cycle = sub.BillingCycle()
		}
		if due, ok := sub.NextDue(); ok && link.NextDueDate == nil {
			link.NextDueDate = &due
		}
	}

	if link.PlanID != "" {
		if _, err := p.plans.Get(ctx, link.PlanID); err != nil {
			if !apperr.NotFound.Has(err) {
				return err
			}
			p.log.WithFields(logrus.Fields{"subscription_id": sp.ID, "plan_id": link.PlanID}).
				Warn("subscription references an unknown plan")
			link.PlanID = ""
		}
	}

	return p.billing.LinkSubscription(ctx, user.ID, link)
}

func (p *Processor) onSubscriptionDeleted(ctx context.Context, n *Notification) error {
	user, err := p.billing.ResolveCustomer(ctx, n.Subscription.Customer)
	if err != nil {
		return err
	}
	_, err = p.billing.CancelSubscription(ctx, user.ID, "subscription deleted")
	return err
}
