package redirect

import (
	"net/url"
	"testing"
)

func mustParse(t *testing.T, raw string) *url.URL {
	t.Helper()
	u, err := url.Parse(raw)
	if err != nil {
		t.Fatalf("url.Parse(%q): %v", raw, err)
	}
	return u
}

func TestParseParams(t *testing.T) {
	tests := []struct {
		url  string
		want Params
	}{
		{"http://x/", Params{}},
		{"http://x/?code=ABC&type=recovery", Params{Code: "ABC", Type: "recovery"}},
		{"http://x/?code=ABC", Params{Code: "ABC"}},
		{
			"http://x/?error=access_denied&error_description=Link+expired",
			Params{Error: "access_denied", ErrorDescription: "Link expired"},
		},
		{
			"http://x/reset-password#error=access_denied&error_code=otp_expired&error_description=Email+link+is+invalid",
			Params{Error: "access_denied", ErrorDescription: "Email link is invalid"},
		},
		{"http://x/?code=Q#code=F", Params{Code: "Q"}},
		{"http://x/#section-2", Params{}},
	}
	for _, tt := range tests {
		if got := ParseParams(mustParse(t, tt.url)); got != tt.want {
			t.Errorf("ParseParams(%q) = %+v, want %+v", tt.url, got, tt.want)
		}
	}
}

func TestParseParams_Nil(t *testing.T) {
	if got := ParseParams(nil); got != (Params{}) {
		t.Fatalf("ParseParams(nil) = %+v", got)
	}
}

func TestMessage(t *testing.T) {
	if got := (Params{Error: "access_denied", ErrorDescription: "Link expired"}).Message(); got != "Link expired" {
		t.Errorf("Message = %q", got)
	}
	if got := (Params{Error: "access_denied"}).Message(); got != "access_denied" {
		t.Errorf("Message = %q", got)
	}
}

func TestStripAuthParams(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"http://x/reset-password?code=ABC&type=recovery", "http://x/reset-password"},
		{"http://x/?code=ABC&next=%2Fdashboard", "http://x/?next=%2Fdashboard"},
		{"http://x/?error=e&error_code=c&error_description=d", "http://x/"},
		{"http://x/#error=e&error_description=d", "http://x/"},
		{"http://x/page#section", "http://x/page#section"},
	}
	for _, tt := range tests {
		u := mustParse(t, tt.in)
		got := StripAuthParams(u)
		if got.String() != tt.want {
			t.Errorf("StripAuthParams(%q) = %q, want %q", tt.in, got, tt.want)
		}
		if u.String() != tt.in {
			t.Errorf("input mutated: %q", u)
		}
		if p := ParseParams(got); p.HasCode() || p.HasError() {
			t.Errorf("stripped URL still carries auth params: %+v", p)
		}
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name       string
		p          Params
		consumed   bool
		hasSession bool
		want       Intent
	}{
		{"nothing", Params{}, false, false, IntentNoCode},
		{"session", Params{}, false, true, IntentHasSession},
		{"recovery code", Params{Code: "A", Type: "recovery"}, false, false, IntentRecoveryCode},
		{"signup code", Params{Code: "A", Type: "signup"}, false, true, IntentCode},
		{"plain code", Params{Code: "A"}, false, false, IntentCode},
		{"error wins over code", Params{Code: "A", Error: "e"}, false, false, IntentError},
		{"consumed code", Params{Code: "A"}, true, false, IntentNoCode},
		{"consumed code with session", Params{Code: "A"}, true, true, IntentHasSession},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Classify(tt.p, tt.consumed, tt.hasSession); got != tt.want {
				t.Fatalf("Classify = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestDecide(t *testing.T) {
	tests := []struct {
		name   string
		intent Intent
		p      Params
		reset  bool
		want   Decision
	}{
		{
			name:   "error",
			intent: IntentError,
			p:      Params{Error: "access_denied", ErrorDescription: "Link expired"},
			want:   Decision{Step: StepFail, Message: "Link expired"},
		},
		{
			name:   "recovery code",
			intent: IntentRecoveryCode,
			p:      Params{Code: "A", Type: "recovery"},
			want:   Decision{Step: StepExchange, Landing: LandResetPassword, Recovery: true},
		},
		{
			name:   "code with reset flag",
			intent: IntentCode,
			p:      Params{Code: "A"},
			reset:  true,
			want:   Decision{Step: StepExchange, Landing: LandResetPassword, Recovery: true},
		},
		{
			name:   "code",
			intent: IntentCode,
			p:      Params{Code: "A"},
			want:   Decision{Step: StepExchange, Landing: LandDashboard},
		},
		{
			name:   "session",
			intent: IntentHasSession,
			want:   Decision{Step: StepLand, Landing: LandDashboard},
		},
		{
			name:   "session after consumed recovery code",
			intent: IntentHasSession,
			p:      Params{Code: "A", Type: "recovery"},
			want:   Decision{Step: StepLand, Landing: LandResetPassword, Recovery: true},
		},
		{
			name:   "no code",
			intent: IntentNoCode,
			want:   Decision{Step: StepFail, Message: NoCodeMessage},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Decide(tt.intent, tt.p, tt.reset); got != tt.want {
				t.Fatalf("Decide = %+v, want %+v", got, tt.want)
			}
		})
	}
}
