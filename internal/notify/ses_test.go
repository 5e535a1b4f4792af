package notify

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ses"
	"go.uber.org/zap"
)

type mockSES struct {
	inputs []*ses.SendEmailInput
	err    error
}

func (m *mockSES) SendEmail(ctx context.Context, in *ses.SendEmailInput, optFns ...func(*ses.Options)) (*ses.SendEmailOutput, error) {
	if m.err != nil {
		return nil, m.err
	}
	m.inputs = append(m.inputs, in)
	return &ses.SendEmailOutput{MessageId: aws.String("ses-1")}, nil
}

func TestNotifyReply(t *testing.T) {
	api := &mockSES{}
	n := NewReplyNotifier(api, "alerts@cadence.dev", zap.NewNop())

	err := n.NotifyReply(context.Background(), Reply{
		To:           "owner@example.com",
		CampaignName: "Q3 founders",
		ProspectName: "Ada Lovelace",
		Cancelled:    2,
		ReceivedAt:   time.Date(2025, 3, 4, 10, 0, 0, 0, time.UTC),
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	in := api.inputs[0]
	if aws.ToString(in.Source) != "alerts@cadence.dev" {
		t.Errorf("unexpected sender %s", aws.ToString(in.Source))
	}
	if in.Destination.ToAddresses[0] != "owner@example.com" {
		t.Errorf("unexpected recipient %v", in.Destination.ToAddresses)
	}
	if got := aws.ToString(in.Message.Subject.Data); got != "Ada Lovelace replied to Q3 founders" {
		t.Errorf("unexpected subject %q", got)
	}
	if body := aws.ToString(in.Message.Body.Text.Data); !strings.Contains(body, "2 scheduled follow-ups were cancelled") {
		t.Errorf("unexpected body %q", body)
	}
}

func TestNotifyReply_Errors(t *testing.T) {
	n := NewReplyNotifier(&mockSES{}, "from@x", zap.NewNop())
	if err := n.NotifyReply(context.Background(), Reply{}); err == nil {
		t.Error("expected error for missing recipient")
	}

	n = NewReplyNotifier(&mockSES{err: errors.New("throttled")}, "from@x", zap.NewNop())
	if err := n.NotifyReply(context.Background(), Reply{To: "a@b"}); err == nil {
		t.Error("expected ses error")
	}
}

func TestRenderReply_SingleAndNone(t *testing.T) {
	_, body := renderReply(Reply{CampaignName: "c", Cancelled: 1})
	if !strings.Contains(body, "1 scheduled follow-up was cancelled") {
		t.Errorf("unexpected body %q", body)
	}
	subject, body := renderReply(Reply{CampaignName: "c"})
	if subject != "A prospect replied to c" {
		t.Errorf("unexpected subject %q", subject)
	}
	if !strings.Contains(body, "No further messages") {
		t.Errorf("unexpected body %q", body)
	}
}
