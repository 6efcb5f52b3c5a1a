// Package rexec implements the remote-execution driver of spec §4.6:
// action-cache lookup, the Execute stream read to completion with a
// polled cancellation flag, best-effort cancellation, and output
// materialization.
package rexec

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	log "github.com/golang/glog"
	"github.com/pkg/errors"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	repb "github.com/bazelbuild/remote-apis/build/bazel/remote/execution/v2"
	oppb "google.golang.org/genproto/googleapis/longrunning"

	"github.com/afbjorklund/recc/auth"
	"github.com/afbjorklund/recc/cas"
	"github.com/afbjorklund/recc/digest"
	"github.com/afbjorklund/recc/metrics"
	"github.com/afbjorklund/recc/rerrors"
	"github.com/afbjorklund/recc/retry"
	"github.com/afbjorklund/recc/sigbridge"
)

// DefaultPollWait is POLL_WAIT from spec §4.6/§5: the interval at which
// the driver thread polls the cancellation flag while a background worker
// reads the Execute stream.
const DefaultPollWait = 250 * time.Millisecond

// RPCs is the subset of generated REAPI stubs the driver needs.
type RPCs interface {
	repb.ActionCacheClient
	repb.ExecutionClient
	oppb.OperationsClient
}

// Client is the remote-execution driver.
type Client struct {
	InstanceName string
	RPC          RPCs
	CAS          *cas.Client
	Auth         *auth.Auth
	ShouldRetry  retry.ShouldRetry
	Retry        retry.Policy
	PollWait     time.Duration
	Cancel       *sigbridge.Flag
	Metrics      metrics.Sink
}

func (c *Client) metrics() metrics.Sink {
	if c.Metrics != nil {
		return c.Metrics
	}
	return metrics.Noop{}
}

func (c *Client) pollWait() time.Duration {
	if c.PollWait > 0 {
		return c.PollWait
	}
	return DefaultPollWait
}

func (c *Client) do(ctx context.Context, f func(ctx context.Context) error) error {
	return retry.Do(ctx, c.Auth, c.ShouldRetry, c.Retry, f)
}

// FetchFromActionCache issues GetActionResult. A NOT_FOUND status is not
// an error — it is the absent-result value required by spec §7/§9, not an
// exception-driven hot path.
func (c *Client) FetchFromActionCache(ctx context.Context, actionDigest digest.Digest) (*repb.ActionResult, error) {
	var res *repb.ActionResult
	err := c.do(ctx, func(ctx context.Context) (e error) {
		res, e = c.RPC.GetActionResult(ctx, &repb.GetActionResultRequest{
			InstanceName: c.InstanceName,
			ActionDigest: actionDigest.ToProto(),
		})
		return e
	})
	switch status.Code(err) {
	case codes.OK:
		c.metrics().Count("rexec.cache_hits", 1)
		return res, nil
	case codes.NotFound:
		c.metrics().Count("rexec.cache_misses", 1)
		return nil, nil
	default:
		return nil, rerrors.WrapRpc(status.Code(err).String(), errors.Wrap(err, "checking the action cache"))
	}
}

// ExecuteAction submits actionDigest for remote execution and blocks until
// the Operation is done, per spec §4.6: a background worker reads the
// stream while this goroutine polls the cancellation flag at PollWait
// intervals.
func (c *Client) ExecuteAction(ctx context.Context, actionDigest digest.Digest, skipCache bool) (*repb.ActionResult, error) {
	req := &repb.ExecuteRequest{
		InstanceName:    c.InstanceName,
		ActionDigest:    actionDigest.ToProto(),
		SkipCacheLookup: skipCache,
	}

	lastOp, err := c.readToDone(ctx, req)
	if err != nil {
		if cancelled, ok := err.(*CancelledError); ok {
			c.CancelOperation(context.Background(), cancelled.OperationName)
			return nil, cancelled
		}
		return nil, err
	}
	return extractResult(lastOp)
}

// CancelledError is returned when SIGINT is observed mid-stream; the
// caller (cmd/recc) is expected to exit with code 130 per spec §4.7.
type CancelledError struct {
	OperationName string
}

func (e *CancelledError) Error() string { return "cancelled: SIGINT received" }

type opState struct {
	mu   sync.Mutex
	name string
}

func (s *opState) set(name string) {
	if name == "" {
		return
	}
	s.mu.Lock()
	s.name = name
	s.mu.Unlock()
}

func (s *opState) get() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.name
}

type streamResult struct {
	op  *oppb.Operation
	err error
}

// readToDone drives one Execute attempt under the retry engine: it opens
// the stream, hands reading to a background worker, and polls the
// cancellation flag on the calling goroutine at PollWait intervals, per
// spec §4.6's "background worker reads ... driver meanwhile polls".
func (c *Client) readToDone(ctx context.Context, req *repb.ExecuteRequest) (*oppb.Operation, error) {
	var lastOp *oppb.Operation
	var state opState

	err := c.do(ctx, func(ctx context.Context) error {
		stream, err := c.RPC.Execute(ctx, req)
		if err != nil {
			return err
		}

		done := make(chan streamResult, 1)
		go func() {
			var last *oppb.Operation
			for {
				op, err := stream.Recv()
				if err == io.EOF {
					done <- streamResult{op: last}
					return
				}
				if err != nil {
					done <- streamResult{op: last, err: err}
					return
				}
				last = op
				state.set(op.Name)
				if op.Done {
					done <- streamResult{op: last}
					return
				}
			}
		}()

		ticker := time.NewTicker(c.pollWait())
		defer ticker.Stop()
		for {
			select {
			case r := <-done:
				if r.op != nil {
					lastOp = r.op
				}
				if r.err != nil {
					return r.err
				}
				if r.op == nil || !r.op.Done {
					return rerrors.Wrap(rerrors.Protocol, errors.New("server closed stream before Operation finished"))
				}
				return nil
			case <-ticker.C:
				if c.Cancel != nil && c.Cancel.Received() {
					return &CancelledError{OperationName: state.get()}
				}
			}
		}
	})
	return lastOp, err
}

func extractResult(op *oppb.Operation) (*repb.ActionResult, error) {
	if op == nil {
		return nil, rerrors.Wrap(rerrors.Protocol, errors.New("no operation returned"))
	}
	switch r := op.Result.(type) {
	case *oppb.Operation_Error:
		st := status.FromProto(r.Error)
		return nil, rerrors.WrapRpc(st.Code().String(), st.Err())
	case *oppb.Operation_Response:
		resp := &repb.ExecuteResponse{}
		if err := r.Response.UnmarshalTo(resp); err != nil {
			return nil, rerrors.Wrap(rerrors.Protocol, errors.Wrap(err, "invalid operation result"))
		}
		if st := status.FromProto(resp.Status); st.Code() != codes.OK {
			return resp.Result, rerrors.WrapRpc(st.Code().String(), errors.Wrap(st.Err(), "job failed with error"))
		}
		return resp.Result, nil
	default:
		return nil, rerrors.Wrap(rerrors.Protocol, errors.New("invalid operation result"))
	}
}

// CancelOperation issues a best-effort CancelOperation: failures are
// logged, not raised, per spec §4.7.
func (c *Client) CancelOperation(ctx context.Context, name string) {
	if name == "" {
		return
	}
	_, err := c.RPC.CancelOperation(ctx, &oppb.CancelOperationRequest{Name: name})
	if err != nil {
		log.Errorf("failed to cancel job %s: %v", name, err)
		return
	}
	log.Infof("cancelled job %s", name)
}

// WriteFilesToDisk materializes an ActionResult's output files and
// directories under root, per spec §4.6.
func (c *Client) WriteFilesToDisk(ctx context.Context, result *repb.ActionResult, root string) error {
	if result == nil {
		return rerrors.Wrap(rerrors.Precondition, errors.New("WriteFilesToDisk called with a nil ActionResult"))
	}
	for _, f := range result.OutputFiles {
		dg, err := digest.FromProto(f.Digest)
		if err != nil {
			return rerrors.Wrap(rerrors.Protocol, errors.Wrap(err, "malformed output file digest"))
		}
		if err := c.writeOutputBlob(ctx, filepath.Join(root, f.Path), dg, f.IsExecutable); err != nil {
			return err
		}
	}

	for _, d := range result.OutputDirectories {
		dg, err := digest.FromProto(d.TreeDigest)
		if err != nil {
			return rerrors.Wrap(rerrors.Protocol, errors.Wrap(err, "malformed output directory digest"))
		}
		tree := &repb.Tree{}
		if err := c.CAS.FetchMessage(ctx, dg, tree); err != nil {
			return errors.Wrapf(err, "fetching output tree for %s", d.Path)
		}
		dirs := make(map[digest.Digest]*repb.Directory)
		for _, child := range tree.Children {
			cd, _, err := digest.FromMessage(child)
			if err != nil {
				return rerrors.Wrap(rerrors.Protocol, errors.Wrap(err, "malformed tree child digest"))
			}
			dirs[cd] = child
		}
		if err := c.writeDirectory(ctx, tree.Root, dirs, filepath.Join(root, d.Path)); err != nil {
			return err
		}
	}
	return nil
}

func (c *Client) writeDirectory(ctx context.Context, dir *repb.Directory, dirs map[digest.Digest]*repb.Directory, path string) error {
	if err := os.MkdirAll(path, 0777); err != nil {
		return rerrors.Wrap(rerrors.Io, errors.Wrapf(err, "mkdir %s", path))
	}
	for _, f := range dir.Files {
		dg, err := digest.FromProto(f.Digest)
		if err != nil {
			return rerrors.Wrap(rerrors.Protocol, errors.Wrap(err, "malformed output file digest"))
		}
		if err := c.writeOutputBlob(ctx, filepath.Join(path, f.Name), dg, f.IsExecutable); err != nil {
			return err
		}
	}
	for _, s := range dir.Symlinks {
		if err := os.Symlink(s.Target, filepath.Join(path, s.Name)); err != nil {
			return rerrors.Wrap(rerrors.Io, errors.Wrapf(err, "symlink %s", s.Name))
		}
	}
	for _, sub := range dir.Directories {
		// Children are looked up by digest, never copied, since the same
		// child Directory may be shared by several parents (spec §9).
		subDg, err := digest.FromProto(sub.Digest)
		if err != nil {
			return rerrors.Wrap(rerrors.Protocol, errors.Wrap(err, "malformed subdirectory digest"))
		}
		child, ok := dirs[subDg]
		if !ok {
			return rerrors.Wrap(rerrors.Protocol, errors.Errorf("missing child directory %s for %s", subDg, sub.Name))
		}
		if err := c.writeDirectory(ctx, child, dirs, filepath.Join(path, sub.Name)); err != nil {
			return err
		}
	}
	return nil
}

func (c *Client) writeOutputBlob(ctx context.Context, path string, dg digest.Digest, executable bool) error {
	if err := os.MkdirAll(filepath.Dir(path), 0777); err != nil {
		return rerrors.Wrap(rerrors.Io, errors.Wrapf(err, "mkdir %s", filepath.Dir(path)))
	}
	data, err := c.CAS.FetchBlob(ctx, dg)
	if err != nil {
		return errors.Wrapf(err, "fetching %s", path)
	}
	mode := os.FileMode(0644)
	if executable {
		mode = 0755
	}
	if err := os.WriteFile(path, data, mode); err != nil {
		return rerrors.Wrap(rerrors.Io, errors.Wrapf(err, "writing %s", path))
	}
	return nil
}
