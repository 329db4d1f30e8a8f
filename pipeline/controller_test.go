package pipeline_test

import (
	"context"
	"testing"
	"time"

	"github.com/atbu-go/mppipeline/pipeline"
	"golang.org/x/xerrors"
	gc "gopkg.in/check.v1"
)

func Test(t *testing.T) { gc.TestingT(t) }

var _ = gc.Suite(new(PipelineTestSuite))

type PipelineTestSuite struct{}

func alwaysWants(*pipeline.WorkItem) (bool, error) { return true, nil }
func neverWants(*pipeline.WorkItem) (bool, error)  { return false, nil }

func identityWorker(_ context.Context, item *pipeline.WorkItem, _ map[string]interface{}) (*pipeline.WorkItem, error) {
	return item, nil
}

func submitAndWait(c *gc.C, p *pipeline.Pipeline, item *pipeline.WorkItem) (*pipeline.WorkItem, error) {
	h, err := p.Submit(item)
	c.Assert(err, gc.IsNil)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c.Assert(h.Wait(ctx), gc.IsNil)
	return h.Result()
}

// TestPassThrough is spec scenario S1: a single thread stage with an
// always-true predicate and the identity worker.
func (s *PipelineTestSuite) TestPassThrough(c *gc.C) {
	stage := pipeline.NewStage("identity", alwaysWants, identityWorker, pipeline.Thread, false, nil)
	p := pipeline.New("pass-through", []*pipeline.Stage{stage})
	defer func() { c.Assert(p.Shutdown(context.Background()), gc.IsNil) }()

	item := pipeline.NewWorkItem("x", nil)
	result, err := submitAndWait(c, p, item)
	c.Assert(err, gc.IsNil)
	c.Assert(result.Payload, gc.Equals, "x")
	c.Assert(result.Failed(), gc.Equals, false)
	c.Assert(result.StageIndex(), gc.Equals, 1)
}

// TestSkip is spec scenario S2: stage 0 always declines, stage 1 appends
// "!" to the payload.
func (s *PipelineTestSuite) TestSkip(c *gc.C) {
	appendBang := func(_ context.Context, item *pipeline.WorkItem, _ map[string]interface{}) (*pipeline.WorkItem, error) {
		item.Payload = item.Payload.(string) + "!"
		return item, nil
	}

	stages := []*pipeline.Stage{
		pipeline.NewStage("skip-me", neverWants, identityWorker, pipeline.Thread, false, nil),
		pipeline.NewStage("append-bang", alwaysWants, appendBang, pipeline.Thread, false, nil),
	}
	p := pipeline.New("skip", stages)
	defer func() { c.Assert(p.Shutdown(context.Background()), gc.IsNil) }()

	result, err := submitAndWait(c, p, pipeline.NewWorkItem("x", nil))
	c.Assert(err, gc.IsNil)
	c.Assert(result.Payload, gc.Equals, "x!")
}

// TestFailure is spec scenario S3: a worker's error becomes the item's
// sole failure and Result() raises it.
func (s *PipelineTestSuite) TestFailure(c *gc.C) {
	boom := xerrors.New("boom")
	failingWorker := func(context.Context, *pipeline.WorkItem, map[string]interface{}) (*pipeline.WorkItem, error) {
		return nil, boom
	}

	stage := pipeline.NewStage("boom", alwaysWants, failingWorker, pipeline.Thread, false, nil)
	p := pipeline.New("failure", []*pipeline.Stage{stage})
	defer func() { c.Assert(p.Shutdown(context.Background()), gc.IsNil) }()

	h, err := p.Submit(pipeline.NewWorkItem("x", nil))
	c.Assert(err, gc.IsNil)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c.Assert(h.Wait(ctx), gc.IsNil)

	result, resErr := h.Result()
	c.Assert(resErr, gc.NotNil)
	c.Assert(result.Failures(), gc.HasLen, 1)
}

// TestPairedRun is spec scenario S4: stage 0 writes 10 bytes to its
// producer endpoint and calls WriteEOF; stage 1 reads until end-of-stream.
func (s *PipelineTestSuite) TestPairedRun(c *gc.C) {
	writer := func(_ context.Context, item *pipeline.WorkItem, _ map[string]interface{}) (*pipeline.WorkItem, error) {
		producer := item.PairedEndpoint.(*pipeline.Producer)
		c.Assert(producer.WriteEOF([]byte("helloworld")), gc.IsNil)
		return item, nil
	}
	reader := func(_ context.Context, item *pipeline.WorkItem, _ map[string]interface{}) (*pipeline.WorkItem, error) {
		consumer := item.PairedEndpoint.(*pipeline.Consumer)
		var got []byte
		for {
			b, err := consumer.Read()
			if err != nil {
				return nil, err
			}
			if len(b) == 0 {
				break
			}
			got = append(got, b...)
		}
		item.Payload = got
		item.Extra["bytes_read"] = consumer.Tell()
		return item, nil
	}

	stages := []*pipeline.Stage{
		pipeline.NewStage("writer", alwaysWants, writer, pipeline.Subprocess, true, nil),
		pipeline.NewStage("reader", alwaysWants, reader, pipeline.Subprocess, false, nil),
	}
	p := pipeline.New("paired", stages)
	defer func() { c.Assert(p.Shutdown(context.Background()), gc.IsNil) }()

	result, err := submitAndWait(c, p, pipeline.NewWorkItem(nil, nil))
	c.Assert(err, gc.IsNil)
	c.Assert(result.Payload, gc.DeepEquals, []byte("helloworld"))
	c.Assert(result.Extra["bytes_read"], gc.Equals, int64(10))
}

// TestPairedRunUpstreamFailure is spec scenario S5: the upstream half
// fails before writing; the downstream half observes a closed peer.
func (s *PipelineTestSuite) TestPairedRunUpstreamFailure(c *gc.C) {
	boom := xerrors.New("upstream boom")
	failer := func(context.Context, *pipeline.WorkItem, map[string]interface{}) (*pipeline.WorkItem, error) {
		return nil, boom
	}
	reader := func(_ context.Context, item *pipeline.WorkItem, _ map[string]interface{}) (*pipeline.WorkItem, error) {
		consumer := item.PairedEndpoint.(*pipeline.Consumer)
		b, _ := consumer.Read()
		item.Payload = b
		return item, nil
	}

	stages := []*pipeline.Stage{
		pipeline.NewStage("failer", alwaysWants, failer, pipeline.Subprocess, true, nil),
		pipeline.NewStage("reader", alwaysWants, reader, pipeline.Subprocess, false, nil),
	}
	p := pipeline.New("paired-failure", stages)
	defer func() { c.Assert(p.Shutdown(context.Background()), gc.IsNil) }()

	h, err := p.Submit(pipeline.NewWorkItem(nil, nil))
	c.Assert(err, gc.IsNil)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c.Assert(h.Wait(ctx), gc.IsNil)

	result, resErr := h.Result()
	c.Assert(resErr, gc.NotNil)
	c.Assert(len(result.Failures()) >= 1, gc.Equals, true)

	// A subsequent, well-behaved item must still complete cleanly.
	passStage := pipeline.NewStage("identity", alwaysWants, identityWorker, pipeline.Thread, false, nil)
	p2 := pipeline.New("after-failure", []*pipeline.Stage{passStage})
	_, err2 := submitAndWait(c, p2, pipeline.NewWorkItem("ok", nil))
	c.Assert(err2, gc.IsNil)
	c.Assert(p2.Shutdown(context.Background()), gc.IsNil)
	c.Assert(p2.WasGracefulShutdown(), gc.Equals, true)
}

// TestLastStagePairedRejected is spec scenario S6.
func (s *PipelineTestSuite) TestLastStagePairedRejected(c *gc.C) {
	stage := pipeline.NewStage("last", alwaysWants, identityWorker, pipeline.Thread, true, nil)
	p := pipeline.New("bad-pairing", []*pipeline.Stage{stage})
	defer func() { c.Assert(p.Shutdown(context.Background()), gc.IsNil) }()

	_, err := submitAndWait(c, p, pipeline.NewWorkItem("x", nil))
	c.Assert(err, gc.NotNil)
}

// TestResubmissionRejected exercises the "resubmitting the same item
// instance while still tracked raises InvalidArgument" law.
func (s *PipelineTestSuite) TestResubmissionRejected(c *gc.C) {
	blockCh := make(chan struct{})
	blocker := func(ctx context.Context, item *pipeline.WorkItem, _ map[string]interface{}) (*pipeline.WorkItem, error) {
		<-blockCh
		return item, nil
	}
	stage := pipeline.NewStage("blocker", alwaysWants, blocker, pipeline.Thread, false, nil)
	p := pipeline.New("resubmit", []*pipeline.Stage{stage})

	item := pipeline.NewWorkItem("x", nil)
	_, err := p.Submit(item)
	c.Assert(err, gc.IsNil)

	_, err = p.Submit(item)
	c.Assert(err, gc.NotNil)

	close(blockCh)
	c.Assert(p.Shutdown(context.Background()), gc.IsNil)
}

// TestPredicateSkipped is the "a stage whose predicate returns false is
// never asked to run the item" law.
func (s *PipelineTestSuite) TestPredicateSkipped(c *gc.C) {
	called := false
	worker := func(ctx context.Context, item *pipeline.WorkItem, _ map[string]interface{}) (*pipeline.WorkItem, error) {
		called = true
		return item, nil
	}
	stage := pipeline.NewStage("never", neverWants, worker, pipeline.Thread, false, nil)
	p := pipeline.New("predicate-skip", []*pipeline.Stage{stage})
	defer func() { c.Assert(p.Shutdown(context.Background()), gc.IsNil) }()

	result, err := submitAndWait(c, p, pipeline.NewWorkItem("x", nil))
	c.Assert(err, gc.IsNil)
	c.Assert(called, gc.Equals, false)
	c.Assert(result.Payload, gc.Equals, "x")
}
