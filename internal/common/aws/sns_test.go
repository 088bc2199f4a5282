package aws

import (
	"context"
	"errors"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type MockSNSService struct {
	PublishFunc func(ctx context.Context, params *sns.PublishInput, optFns ...func(*sns.Options)) (*sns.PublishOutput, error)
}

func (m *MockSNSService) Publish(ctx context.Context, params *sns.PublishInput, optFns ...func(*sns.Options)) (*sns.PublishOutput, error) {
	return m.PublishFunc(ctx, params, optFns...)
}

func TestTopicPublisher_Publish(t *testing.T) {
	mock := &MockSNSService{
		PublishFunc: func(ctx context.Context, params *sns.PublishInput, optFns ...func(*sns.Options)) (*sns.PublishOutput, error) {
			assert.Equal(t, "arn:aws:sns:eu-west-1:123:approvals", *params.TopicArn)
			assert.Equal(t, `{"id":"i-1"}`, *params.Message)
			assert.Equal(t, "Approval needed", *params.Subject)
			require.Contains(t, params.MessageAttributes, "intent")
			assert.Equal(t, "String", *params.MessageAttributes["intent"].DataType)
			assert.Equal(t, "vehicle_reservation", *params.MessageAttributes["intent"].StringValue)
			return &sns.PublishOutput{MessageId: aws.String("msg-1")}, nil
		},
	}

	p := NewTopicPublisher(mock, "arn:aws:sns:eu-west-1:123:approvals")
	id, err := p.Publish(context.Background(), "Approval needed", `{"id":"i-1"}`, map[string]string{"intent": "vehicle_reservation"})

	require.NoError(t, err)
	assert.Equal(t, "msg-1", id)
}

func TestTopicPublisher_Error(t *testing.T) {
	mock := &MockSNSService{
		PublishFunc: func(ctx context.Context, params *sns.PublishInput, optFns ...func(*sns.Options)) (*sns.PublishOutput, error) {
			assert.Nil(t, params.Subject)
			assert.Nil(t, params.MessageAttributes)
			return nil, errors.New("throttled")
		},
	}

	p := NewTopicPublisher(mock, "arn:topic")
	_, err := p.Publish(context.Background(), "", "{}", nil)

	require.Error(t, err)
	assert.Contains(t, err.Error(), "throttled")
}
