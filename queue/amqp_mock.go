package queue

import (
	"fmt"

	"github.com/streadway/amqp"
)

// MockAMQPConnection is a mock implementation of AMQPConnection for testing.
type MockAMQPConnection struct {
	MockChannel AMQPChannel
	ChannelErr  error
	CloseErr    error
	CloseCalled bool
}

func (m *MockAMQPConnection) Channel() (AMQPChannel, error) {
	if m.ChannelErr != nil {
		return nil, m.ChannelErr
	}
	return m.MockChannel, nil
}

func (m *MockAMQPConnection) Close() error {
	m.CloseCalled = true
	return m.CloseErr
}

// MockAMQPChannel is a mock implementation of AMQPChannel for testing.
type MockAMQPChannel struct {
	PublishedMessages []amqp.Publishing
	PublishedKeys     []string

	Deliveries chan amqp.Delivery

	QueueDeclareErr error
	PublishErr      error
	ConsumeErr      error
	CloseErr        error

	QueueDeclareCalled bool
	PublishCalled      bool
	ConsumeCalled      bool
	CloseCalled        bool

	LastQueueName string
	LastExchange  string
	LastKey       string
}

func (m *MockAMQPChannel) QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error) {
	m.QueueDeclareCalled = true
	m.LastQueueName = name
	if m.QueueDeclareErr != nil {
		return amqp.Queue{}, m.QueueDeclareErr
	}
	return amqp.Queue{Name: name}, nil
}

func (m *MockAMQPChannel) Publish(exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error {
	m.PublishCalled = true
	m.LastExchange = exchange
	m.LastKey = key
	if m.PublishErr != nil {
		return m.PublishErr
	}
	m.PublishedMessages = append(m.PublishedMessages, msg)
	m.PublishedKeys = append(m.PublishedKeys, key)
	return nil
}

func (m *MockAMQPChannel) Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error) {
	m.ConsumeCalled = true
	if m.ConsumeErr != nil {
		return nil, m.ConsumeErr
	}
	if m.Deliveries == nil {
		m.Deliveries = make(chan amqp.Delivery, 8)
	}
	return m.Deliveries, nil
}

func (m *MockAMQPChannel) QueueInspect(name string) (amqp.Queue, error) {
	return amqp.Queue{Name: name}, nil
}

func (m *MockAMQPChannel) Close() error {
	m.CloseCalled = true
	return m.CloseErr
}

// MockAMQPDialer is a mock implementation of AMQPDialer for testing.
type MockAMQPDialer struct {
	MockConnection AMQPConnection
	DialErr        error
	LastURL        string
}

func (m *MockAMQPDialer) Dial(url string) (AMQPConnection, error) {
	m.LastURL = url
	if m.DialErr != nil {
		return nil, m.DialErr
	}
	return m.MockConnection, nil
}

// NewMockAMQPDialer returns a dialer wired to a fresh connection/channel pair.
func NewMockAMQPDialer() (*MockAMQPDialer, *MockAMQPChannel) {
	ch := &MockAMQPChannel{Deliveries: make(chan amqp.Delivery, 8)}
	conn := &MockAMQPConnection{MockChannel: ch}
	return &MockAMQPDialer{MockConnection: conn}, ch
}

// NewMockAMQPDialerWithError returns a dialer whose Dial always fails.
func NewMockAMQPDialerWithError(err error) *MockAMQPDialer {
	return &MockAMQPDialer{DialErr: fmt.Errorf("dial failed: %w", err)}
}
