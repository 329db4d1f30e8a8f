package pipeline_test

import (
	"testing"

	"github.com/atbu-go/mppipeline/pipeline"
)

func TestChannelWriteAndRead(t *testing.T) {
	producer, consumer, err := pipeline.NewChannelPair(nil)
	if err != nil {
		t.Fatalf("NewChannelPair: %v", err)
	}
	defer producer.Close()
	defer consumer.Close()

	done := make(chan struct{})
	go func() {
		defer close(done)
		if _, err := producer.Write([]byte("hello")); err != nil {
			t.Errorf("Write: %v", err)
			return
		}
		if err := producer.WriteEOF([]byte("world")); err != nil {
			t.Errorf("WriteEOF: %v", err)
		}
	}()

	var got []byte
	for {
		b, err := consumer.Read()
		if err != nil {
			t.Fatalf("Read: %v", err)
		}
		if len(b) == 0 {
			break
		}
		got = append(got, b...)
	}
	<-done

	if string(got) != "helloworld" {
		t.Fatalf("got %q, want %q", got, "helloworld")
	}
	if producer.Tell() != int64(len("helloworld")) {
		t.Fatalf("producer.Tell() = %d, want %d", producer.Tell(), len("helloworld"))
	}
	if consumer.Tell() != producer.Tell() {
		t.Fatalf("consumer.Tell() = %d, producer.Tell() = %d, want equal", consumer.Tell(), producer.Tell())
	}

	// Once latched, further reads return an empty buffer forever.
	b, err := consumer.Read()
	if err != nil || len(b) != 0 {
		t.Fatalf("Read after EOF = (%v, %v), want (empty, nil)", b, err)
	}
}

func TestChannelZeroLengthWriteIsNoOp(t *testing.T) {
	producer, consumer, err := pipeline.NewChannelPair(nil)
	if err != nil {
		t.Fatalf("NewChannelPair: %v", err)
	}
	defer producer.Close()
	defer consumer.Close()

	n, err := producer.Write(nil)
	if err != nil || n != 0 {
		t.Fatalf("Write(nil) = (%d, %v), want (0, nil)", n, err)
	}
	if producer.Tell() != 0 {
		t.Fatalf("Tell() = %d after zero-length write, want 0", producer.Tell())
	}
}

func TestChannelSendAfterCloseFails(t *testing.T) {
	producer, consumer, err := pipeline.NewChannelPair(nil)
	if err != nil {
		t.Fatalf("NewChannelPair: %v", err)
	}
	defer producer.Close()
	defer consumer.Close()

	if err := producer.WriteEOF(nil); err != nil {
		t.Fatalf("WriteEOF: %v", err)
	}
	if err := producer.WriteEOF(nil); err != pipeline.ErrAlreadyClosed {
		t.Fatalf("second WriteEOF = %v, want ErrAlreadyClosed", err)
	}
}

func TestChannelResetCounter(t *testing.T) {
	producer, consumer, err := pipeline.NewChannelPair(nil)
	if err != nil {
		t.Fatalf("NewChannelPair: %v", err)
	}
	defer producer.Close()
	defer consumer.Close()

	go func() {
		_, _ = producer.Write([]byte("handshake"))
		_ = producer.WriteEOF([]byte("payload"))
	}()

	b, _ := consumer.Read()
	if string(b) != "handshake" {
		t.Fatalf("got %q, want handshake", b)
	}
	consumer.ResetCounter()
	producer.ResetCounter()

	b, _ = consumer.Read()
	if string(b) != "payload" {
		t.Fatalf("got %q, want payload", b)
	}
	if consumer.Tell() != int64(len("payload")) {
		t.Fatalf("Tell() = %d after reset, want %d", consumer.Tell(), len("payload"))
	}
}
