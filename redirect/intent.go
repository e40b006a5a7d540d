package redirect

// Intent classifies a page load. It is computed once per load by Classify
// and consumed by Decide.
type Intent int

const (
	IntentNoCode Intent = iota
	IntentRecoveryCode
	IntentCode
	IntentError
	IntentHasSession
)

func (i Intent) String() string {
	switch i {
	case IntentNoCode:
		return "no-code"
	case IntentRecoveryCode:
		return "recovery-code"
	case IntentCode:
		return "code"
	case IntentError:
		return "error"
	case IntentHasSession:
		return "has-session"
	}
	return "unknown"
}

// Classify derives the intent of a page load from its parameters.
// consumed marks a code that was already handed to an exchange; such a URL
// is treated as if it carried no code. hasSession is only consulted when
// there is no usable code.
func Classify(p Params, consumed, hasSession bool) Intent {
	switch {
	case p.HasError():
		return IntentError
	case p.HasCode() && !consumed:
		if p.Type == TypeRecovery {
			return IntentRecoveryCode
		}
		return IntentCode
	case hasSession:
		return IntentHasSession
	}
	return IntentNoCode
}

// Step is the next thing the state machine must do for an intent.
type Step int

const (
	// StepFail ends the flow without contacting the provider.
	StepFail Step = iota
	// StepExchange exchanges the code for a session.
	StepExchange
	// StepLand ends the flow authenticated with the existing session.
	StepLand
)

// Landing is where an authenticated flow ends up.
type Landing int

const (
	LandDashboard Landing = iota
	LandResetPassword
)

// Decision is the pure outcome of Decide.
type Decision struct {
	Step    Step
	Landing Landing
	// Message is set for StepFail.
	Message string
	// Recovery reports a flow started from a password reset link, where a
	// failure can only be fixed by requesting a new link.
	Recovery bool
}

// NoCodeMessage is the failure message when a page load has nothing to act on.
const NoCodeMessage = "no code in URL"

// Decide maps an intent to the next step. resetRequested is the persisted
// reset-flow flag, which routes a plain code to the reset page as well.
func Decide(intent Intent, p Params, resetRequested bool) Decision {
	recovery := p.Type == TypeRecovery || resetRequested
	landing := LandDashboard
	if recovery {
		landing = LandResetPassword
	}
	switch intent {
	case IntentError:
		return Decision{Step: StepFail, Message: p.Message(), Recovery: recovery}
	case IntentRecoveryCode, IntentCode:
		return Decision{Step: StepExchange, Landing: landing, Recovery: recovery}
	case IntentHasSession:
		// A reload of an already exchanged recovery link still belongs on
		// the reset page.
		return Decision{Step: StepLand, Landing: landing, Recovery: recovery}
	}
	return Decision{Step: StepFail, Message: NoCodeMessage, Recovery: recovery}
}
