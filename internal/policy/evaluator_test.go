package policy

import "testing"

func TestEvaluate_BuiltinSensitiveKinds(t *testing.T) {
	ev := NewEvaluator(Config{})
	for _, kind := range []string{KindEmailSend, KindSocialPost, KindLinkedInPost, KindPayment} {
		if d := ev.Evaluate(Input{Kind: kind}); d.Action != ActionRequireApproval {
			t.Fatalf("expected %s to require approval, got %q", kind, d.Action)
		}
	}
}

func TestEvaluate_SafeKindsAllowed(t *testing.T) {
	ev := NewEvaluator(Config{})
	for _, kind := range []string{KindFileArchive, KindNote} {
		if d := ev.Evaluate(Input{Kind: kind}); d.Action != ActionAllow {
			t.Fatalf("expected %s to be allowed, got %q", kind, d.Action)
		}
	}
}

func TestEvaluate_UnknownKindRequiresApproval(t *testing.T) {
	ev := NewEvaluator(Config{})
	d := ev.Evaluate(Input{Kind: "wire_transfer"})

	if d.Action != ActionRequireApproval {
		t.Fatalf("expected %q, got %q", ActionRequireApproval, d.Action)
	}
}

func TestEvaluate_InvoiceThreshold(t *testing.T) {
	ev := NewEvaluator(Config{SpendThreshold: 500})
	cases := []struct {
		amount string
		want   Action
	}{
		{amount: "499.99", want: ActionAllow},
		{amount: "500", want: ActionRequireApproval},
		{amount: "$1,200", want: ActionRequireApproval},
		{amount: "", want: ActionRequireApproval},
		{amount: "a lot", want: ActionRequireApproval},
		{amount: "NaN", want: ActionRequireApproval},
		{amount: "nan", want: ActionRequireApproval},
		{amount: "+Inf", want: ActionRequireApproval},
		{amount: "-5000", want: ActionRequireApproval},
		{amount: "1e999", want: ActionRequireApproval},
	}
	for _, tc := range cases {
		d := ev.Evaluate(Input{Kind: KindInvoiceCreate, Parameters: map[string]string{"amount": tc.amount}})
		if d.Action != tc.want {
			t.Fatalf("amount %q: expected %q, got %q", tc.amount, tc.want, d.Action)
		}
	}
}

func TestEvaluate_ZeroThresholdApprovesEveryInvoice(t *testing.T) {
	ev := NewEvaluator(Config{SpendThreshold: 0})
	for _, amount := range []string{"50", "0.01", "0"} {
		d := ev.Evaluate(Input{Kind: KindInvoiceCreate, Parameters: map[string]string{"amount": amount}})
		if !d.Sensitive() {
			t.Fatalf("amount %q: expected approval with zero threshold, got %q", amount, d.Action)
		}
	}
}

func TestEvaluate_NegativeThresholdUsesDefault(t *testing.T) {
	ev := NewEvaluator(Config{SpendThreshold: -1})
	if d := ev.Evaluate(Input{Kind: KindInvoiceCreate, Parameters: map[string]string{"amount": "99"}}); d.Action != ActionAllow {
		t.Fatalf("expected amount below default threshold to be allowed, got %q", d.Action)
	}
	if d := ev.Evaluate(Input{Kind: KindInvoiceCreate, Parameters: map[string]string{"amount": "100"}}); !d.Sensitive() {
		t.Fatalf("expected amount at default threshold to require approval, got %q", d.Action)
	}
}

func TestEvaluate_ConfigOnlyAddsSensitiveKinds(t *testing.T) {
	ev := NewEvaluator(Config{SensitiveKinds: []string{"  NOTE  "}})
	if d := ev.Evaluate(Input{Kind: "note"}); d.Action != ActionRequireApproval {
		t.Fatalf("expected configured kind to require approval, got %q", d.Action)
	}
	if d := ev.Evaluate(Input{Kind: KindEmailSend}); d.Action != ActionRequireApproval {
		t.Fatalf("expected built-in sensitivity to remain, got %q", d.Action)
	}
}

func TestEvaluate_InputKindIsNormalized(t *testing.T) {
	ev := NewEvaluator(Config{})
	d := ev.Evaluate(Input{Kind: "  Email_Send "})

	if !d.Sensitive() {
		t.Fatalf("expected %q, got %q", ActionRequireApproval, d.Action)
	}
}
