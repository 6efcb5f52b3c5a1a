// Command recc is a transparent remote-execution compiler wrapper: it
// recognizes a compiler invocation, Merkleizes its declared inputs,
// submits the Action to a REAPI v2 cluster, and materializes the results
// locally, falling back to local execution when remote execution cannot
// be attempted.
//
// Example usage:
//
//	recc --server remotebuildexecution.example.com:443 \
//	  --instance default --project_root $HOME/project \
//	  -- gcc -c foo.c -o foo.o
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/exec"
	"path"
	"path/filepath"
	"time"

	log "github.com/golang/glog"

	repb "github.com/bazelbuild/remote-apis/build/bazel/remote/execution/v2"
	bspb "google.golang.org/genproto/googleapis/bytestream"
	oppb "google.golang.org/genproto/googleapis/longrunning"

	"github.com/afbjorklund/recc/auth"
	"github.com/afbjorklund/recc/cas"
	"github.com/afbjorklund/recc/client"
	"github.com/afbjorklund/recc/command"
	"github.com/afbjorklund/recc/deps"
	"github.com/afbjorklund/recc/digest"
	"github.com/afbjorklund/recc/internal/moreflag"
	"github.com/afbjorklund/recc/merkle"
	"github.com/afbjorklund/recc/metrics"
	"github.com/afbjorklund/recc/parsedcommand"
	"github.com/afbjorklund/recc/reader"
	"github.com/afbjorklund/recc/rerrors"
	"github.com/afbjorklund/recc/retry"
	"github.com/afbjorklund/recc/rexec"
	"github.com/afbjorklund/recc/sigbridge"
)

// config holds every value settable by flag or RECC_ environment variable.
// Populated once in main and passed by reference into components, never a
// package-level mutable.
type config struct {
	server      string
	instance    string
	projectRoot string
	toolName    string
	authToken   string
	noSecurity  bool
	forceRemote bool
	acceptCached bool
	doNotCache  bool
	outputFiles moreflag.StringListValue
	outputDirs  moreflag.StringListValue
	platform    moreflag.StringMapValue
	env         moreflag.StringMapValue
	timeout     time.Duration
	pollWait    time.Duration
	retryLimit  uint
	retryDelay  time.Duration
}

func initFlags(cfg *config) {
	flag.StringVar(&cfg.server, "server", "", "Address of the remote execution service.")
	flag.StringVar(&cfg.instance, "instance", "", "REAPI instance name.")
	flag.StringVar(&cfg.projectRoot, "project_root", "", "Project root; input/output paths are made relative to this directory.")
	flag.StringVar(&cfg.toolName, "tool_name", "recc", "Tool name reported in request metadata.")
	flag.StringVar(&cfg.authToken, "auth_token", "", "Static bearer token for authenticating to the remote execution service.")
	flag.BoolVar(&cfg.noSecurity, "no_security", false, "Connect without transport security.")
	flag.BoolVar(&cfg.forceRemote, "force_remote", false, "Do not fall back to local execution if remote execution fails.")
	flag.BoolVar(&cfg.acceptCached, "accept_cached", true, "Accept remote cache hits.")
	flag.BoolVar(&cfg.doNotCache, "do_not_cache", false, "Do not allow the server to cache this action's result.")
	flag.Var(&cfg.outputFiles, "output_files", "Comma-separated output file paths, relative to project root.")
	flag.Var(&cfg.outputDirs, "output_directories", "Comma-separated output directory paths, relative to project root.")
	flag.Var(&cfg.platform, "platform", "Comma-separated key=value remote platform properties.")
	flag.Var(&cfg.env, "remote_env", "Comma-separated key=value environment variables for the remote action.")
	flag.DurationVar(&cfg.timeout, "exec_timeout", 0, "Timeout for the remote action. 0 means no timeout.")
	flag.DurationVar(&cfg.pollWait, "poll_wait", rexec.DefaultPollWait, "Interval at which the driver polls for SIGINT while an action runs.")
	flag.UintVar(&cfg.retryLimit, "retry_limit", 4, "Number of retries for transient gRPC failures.")
	flag.DurationVar(&cfg.retryDelay, "retry_base_delay", 100*time.Millisecond, "Base delay of the exponential retry backoff.")
}

func main() {
	cfg := &config{}
	initFlags(cfg)
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "Usage: %v [-flags] -- command arguments ...\n", path.Base(os.Args[0]))
		flag.PrintDefaults()
	}
	moreflag.ParseFromEnv("RECC_")
	flag.Parse()

	argv := flag.Args()
	if len(argv) == 0 {
		flag.Usage()
		log.Exit("no command given")
	}

	cancel := &sigbridge.Flag{}
	stop := cancel.Install()
	defer stop()

	workingDir := cfg.projectRoot
	if workingDir == "" {
		wd, err := os.Getwd()
		if err != nil {
			log.Exitf("getwd: %v", err)
		}
		workingDir = wd
	}

	parsed, ok := parsedcommand.Parse(argv, workingDir)
	if !ok || !parsed.IsCompile {
		log.V(1).Infof("command is not a recognized compile invocation, running locally")
		os.Exit(runLocally(argv, workingDir))
	}

	exitCode, err := runRemote(cfg, parsed, cancel)
	if err == nil {
		os.Exit(exitCode)
	}

	if _, cancelled := err.(*rexec.CancelledError); cancelled {
		fmt.Fprintln(os.Stderr, "recc: interrupted")
		os.Exit(130)
	}

	if rerr, ok := rerrors.As(err); ok && rerr.Kind == rerrors.Precondition {
		fmt.Fprintf(os.Stderr, "recc: %v\n", rerr)
		os.Exit(2)
	}

	fmt.Fprintf(os.Stderr, "recc: remote execution failed: %v\n", err)
	if cfg.forceRemote {
		os.Exit(1)
	}
	fmt.Fprintln(os.Stderr, "recc: falling back to local execution")
	os.Exit(runLocally(argv, workingDir))
}

func runLocally(argv []string, workingDir string) int {
	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Dir = workingDir
	cmd.Stdin = os.Stdin
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Run(); err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			return exitErr.ExitCode()
		}
		fmt.Fprintf(os.Stderr, "recc: local execution failed: %v\n", err)
		return 1
	}
	return 0
}

func runRemote(cfg *config, parsed parsedcommand.Command, cancel *sigbridge.Flag) (int, error) {
	ctx := context.Background()

	var a *auth.Auth
	if cfg.authToken != "" {
		a = auth.NewStaticToken(cfg.authToken)
	} else {
		a = auth.NewNone()
	}

	conn, err := client.Dial(client.DialParams{Service: cfg.server, NoSecurity: cfg.noSecurity, Auth: a})
	if err != nil {
		return 0, err
	}
	defer conn.Close()

	ctx, err = client.ContextWithMetadata(ctx, cfg.toolName, "", "")
	if err != nil {
		return 0, err
	}

	retryPolicy := retry.Policy{BaseDelay: cfg.retryDelay, Limit: cfg.retryLimit}
	metricsSink := metrics.Sink(metrics.Noop{})

	casClient := cas.New(cfg.instance, struct {
		repb.ContentAddressableStorageClient
		bspb.ByteStreamClient
	}{
		repb.NewContentAddressableStorageClient(conn),
		bspb.NewByteStreamClient(conn),
	}, a, retry.TransientOnly, retryPolicy)
	casClient.Metrics = metricsSink

	rexecClient := &rexec.Client{
		InstanceName: cfg.instance,
		RPC: struct {
			repb.ActionCacheClient
			repb.ExecutionClient
			oppb.OperationsClient
		}{
			repb.NewActionCacheClient(conn),
			repb.NewExecutionClient(conn),
			oppb.NewOperationsClient(conn),
		},
		CAS:         casClient,
		Auth:        a,
		ShouldRetry: retry.TransientOnly,
		Retry:       retryPolicy,
		PollWait:    cfg.pollWait,
		Cancel:      cancel,
		Metrics:     metricsSink,
	}

	dependencyResult, err := deps.Scan(ctx, parsed.DepsCommand, workingDirOf(parsed))
	if err != nil {
		return 0, err
	}

	blobs := make(map[digest.Digest][]byte)
	tree := &merkle.NestedDirectory{}
	for _, dep := range dependencyResult.Dependencies {
		node, err := reader.File(filepath.Join(workingDirOf(parsed), dep))
		if err != nil {
			log.V(1).Infof("skipping unreadable dependency %s: %v", dep, err)
			continue
		}
		if err := tree.Add(node, dep); err != nil {
			return 0, err
		}
	}
	inputRoot, err := tree.ToDigest(blobs)
	if err != nil {
		return 0, err
	}

	outputFiles := mergeOutputs(cfg.outputFiles, parsed.Outputs)
	actionDigest, actionBlobs, err := command.Build(command.Action{
		Args:        parsed.Args,
		EnvVars:     cfg.env,
		Platform:    cfg.platform,
		WorkingDir:  "",
		InputRoot:   inputRoot,
		OutputFiles: outputFiles,
		OutputDirs:  cfg.outputDirs,
		Timeout:     cfg.timeout,
		DoNotCache:  cfg.doNotCache,
	})
	if err != nil {
		return 0, err
	}
	for d, b := range actionBlobs {
		blobs[d] = b
	}

	if cfg.acceptCached {
		if result, err := rexecClient.FetchFromActionCache(ctx, actionDigest); err == nil && result != nil {
			return materialize(ctx, rexecClient, result, workingDirOf(parsed))
		}
	}

	resources := make([]cas.Resource, 0, len(blobs))
	for d, b := range blobs {
		resources = append(resources, cas.Resource{Digest: d, Bytes: b})
	}
	if err := casClient.UploadResources(ctx, resources); err != nil {
		return 0, err
	}

	result, err := rexecClient.ExecuteAction(ctx, actionDigest, !cfg.acceptCached)
	if err != nil {
		return 0, err
	}
	return materialize(ctx, rexecClient, result, workingDirOf(parsed))
}

func workingDirOf(parsed parsedcommand.Command) string {
	return parsed.WorkingDir
}

func mergeOutputs(flagged moreflag.StringListValue, parsed []string) []string {
	seen := make(map[string]bool)
	var out []string
	for _, o := range flagged {
		if !seen[o] {
			seen[o] = true
			out = append(out, o)
		}
	}
	for _, o := range parsed {
		if !seen[o] {
			seen[o] = true
			out = append(out, o)
		}
	}
	return out
}

func materialize(ctx context.Context, c *rexec.Client, result *repb.ActionResult, root string) (int, error) {
	if err := c.WriteFilesToDisk(ctx, result, root); err != nil {
		return 0, err
	}
	if len(result.StdoutRaw) > 0 {
		os.Stdout.Write(result.StdoutRaw)
	}
	if len(result.StderrRaw) > 0 {
		os.Stderr.Write(result.StderrRaw)
	}
	return int(result.ExitCode), nil
}
