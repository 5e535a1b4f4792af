package sqs

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"go.uber.org/zap"
)

type mockAPI struct {
	sent       []*sqs.SendMessageInput
	messages   []types.Message
	deleted    []string
	visibility map[string]int32
	sendErr    error
}

func (m *mockAPI) SendMessage(ctx context.Context, in *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error) {
	if m.sendErr != nil {
		return nil, m.sendErr
	}
	m.sent = append(m.sent, in)
	return &sqs.SendMessageOutput{MessageId: aws.String("sqs-1")}, nil
}

func (m *mockAPI) ReceiveMessage(ctx context.Context, in *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error) {
	n := min(int(in.MaxNumberOfMessages), len(m.messages))
	out := &sqs.ReceiveMessageOutput{Messages: m.messages[:n]}
	m.messages = m.messages[n:]
	return out, nil
}

func (m *mockAPI) DeleteMessage(ctx context.Context, in *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error) {
	m.deleted = append(m.deleted, aws.ToString(in.ReceiptHandle))
	return &sqs.DeleteMessageOutput{}, nil
}

func (m *mockAPI) ChangeMessageVisibility(ctx context.Context, in *sqs.ChangeMessageVisibilityInput, optFns ...func(*sqs.Options)) (*sqs.ChangeMessageVisibilityOutput, error) {
	if m.visibility == nil {
		m.visibility = make(map[string]int32)
	}
	m.visibility[aws.ToString(in.ReceiptHandle)] = in.VisibilityTimeout
	return &sqs.ChangeMessageVisibilityOutput{}, nil
}

func TestProducer_Enqueue(t *testing.T) {
	api := &mockAPI{}
	p := NewProducer(api, "https://sqs.local/replies", zap.NewNop())

	id, err := p.Enqueue(context.Background(), ReplyMessage{
		RecipientAddress: "prov-123",
		AccountID:        "acc-1",
		ReceivedAt:       1700000000000,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if id != "sqs-1" {
		t.Errorf("expected sqs-1, got %s", id)
	}

	var decoded ReplyMessage
	if err := json.Unmarshal([]byte(aws.ToString(api.sent[0].MessageBody)), &decoded); err != nil {
		t.Fatalf("failed to decode body: %v", err)
	}
	if decoded.RecipientAddress != "prov-123" || decoded.ReceivedAt != 1700000000000 {
		t.Errorf("unexpected body %+v", decoded)
	}
	if decoded.EnqueuedAt == 0 {
		t.Error("expected enqueued_at to be stamped")
	}
}

func TestProducer_EnqueueError(t *testing.T) {
	p := NewProducer(&mockAPI{sendErr: errors.New("denied")}, "q", zap.NewNop())
	if _, err := p.Enqueue(context.Background(), ReplyMessage{}); err == nil {
		t.Fatal("expected error")
	}
}

func TestConsumer_ReceiveDropsMalformed(t *testing.T) {
	good, _ := json.Marshal(ReplyMessage{RecipientAddress: "prov-1"})
	api := &mockAPI{messages: []types.Message{
		{
			MessageId:     aws.String("m1"),
			ReceiptHandle: aws.String("r1"),
			Body:          aws.String(string(good)),
			Attributes:    map[string]string{"ApproximateReceiveCount": "3"},
		},
		{
			MessageId:     aws.String("m2"),
			ReceiptHandle: aws.String("r2"),
			Body:          aws.String("{not json"),
		},
	}}
	c := NewConsumer(api, "q", zap.NewNop())

	got, err := c.Receive(context.Background(), 10)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("expected 1 message, got %d", len(got))
	}
	if got[0].Message.RecipientAddress != "prov-1" || got[0].ReceiveCount != 3 {
		t.Errorf("unexpected message %+v", got[0])
	}
	if len(api.deleted) != 1 || api.deleted[0] != "r2" {
		t.Errorf("expected malformed message deleted, got %v", api.deleted)
	}
}

func TestConsumer_DeleteAndVisibility(t *testing.T) {
	api := &mockAPI{}
	c := NewConsumer(api, "q", zap.NewNop())
	ctx := context.Background()

	if err := c.Delete(ctx, "r1"); err != nil {
		t.Fatalf("delete failed: %v", err)
	}
	if err := c.ChangeVisibility(ctx, "r2", 30); err != nil {
		t.Fatalf("change visibility failed: %v", err)
	}
	if api.visibility["r2"] != 30 {
		t.Errorf("expected visibility 30, got %d", api.visibility["r2"])
	}
}
