package client

// This file attaches the per-call request-metadata header: the correlation
// "action id" spec §4.4/§6 describes. Bearer credentials are not attached
// here; Dial installs them as per-RPC credentials on the channel.

import (
	"context"

	log "github.com/golang/glog"
	"github.com/golang/protobuf/proto"
	"github.com/pborman/uuid"
	"google.golang.org/grpc/metadata"

	repb "github.com/bazelbuild/remote-apis/build/bazel/remote/execution/v2"
)

const remoteHeadersKey = "build.bazel.remote.execution.v2.requestmetadata-bin"

// ContextWithMetadata attaches a RequestMetadata header to ctx, generating
// an action id if the caller did not supply one.
func ContextWithMetadata(ctx context.Context, toolName, actionID, invocationID string) (context.Context, error) {
	if actionID == "" {
		actionID = uuid.New()
		log.V(2).Infof("generated action id %s for %s", actionID, toolName)
	}
	if invocationID == "" {
		invocationID = uuid.New()
	}

	meta := &repb.RequestMetadata{
		ActionId:         actionID,
		ToolInvocationId: invocationID,
		ToolDetails:      &repb.ToolDetails{ToolName: toolName},
	}
	buf, err := proto.Marshal(meta)
	if err != nil {
		return nil, err
	}
	return metadata.NewOutgoingContext(ctx, metadata.Pairs(remoteHeadersKey, string(buf))), nil
}
