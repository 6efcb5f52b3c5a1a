// Package client dials the gRPC channel to the remote execution cluster
// and builds the per-call request-metadata context, per spec §4.4
// ("request-context factory") and §6 ("Credentials").
package client

import (
	log "github.com/golang/glog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"

	"github.com/afbjorklund/recc/auth"
)

// DialParams selects how the channel to the remote execution service is
// secured, per spec §6: "Either insecure, platform TLS, or token-based".
type DialParams struct {
	Service    string
	NoSecurity bool
	Auth       *auth.Auth
}

// Dial opens the gRPC channel. Credential selection happens once, at
// construction time, matching spec §6's "Selected at construction time".
func Dial(params DialParams) (*grpc.ClientConn, error) {
	if params.Service == "" {
		return nil, errMissingService
	}
	log.Infof("connecting to remote execution service %s", params.Service)

	var opts []grpc.DialOption
	if params.NoSecurity {
		opts = append(opts, grpc.WithInsecure())
	} else {
		opts = append(opts, grpc.WithTransportCredentials(credentials.NewClientTLSFromCert(nil, "")))
	}
	if creds := params.Auth.PerRPCCredentials(); creds != nil {
		opts = append(opts, grpc.WithPerRPCCredentials(creds))
	}

	conn, err := grpc.Dial(params.Service, opts...)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

var errMissingService = dialError("service address must be specified")

type dialError string

func (e dialError) Error() string { return string(e) }
