// Package command implements the Action builder of spec §4.5: assembling
// Command and Action protos from a rewritten argv, I/O paths, and
// platform/environment maps, with every "ordered ascending" field
// explicitly sorted before serialization.
package command

import (
	"sort"
	"time"

	"github.com/golang/protobuf/ptypes"
	"github.com/pkg/errors"

	repb "github.com/bazelbuild/remote-apis/build/bazel/remote/execution/v2"

	"github.com/afbjorklund/recc/digest"
)

// Action is the caller-facing description of a command to execute
// remotely, mirroring spec §3's Action plus the rewritten argv and input
// tree the builder needs to assemble Command/Action protos.
type Action struct {
	Args        []string
	EnvVars     map[string]string
	Platform    map[string]string
	WorkingDir  string
	InputRoot   digest.Digest
	OutputFiles []string
	OutputDirs  []string
	Timeout     time.Duration
	DoNotCache  bool
}

// Build assembles the Command and Action protos and returns the Action's
// digest alongside a {digest -> bytes} map containing the serialized
// Command and Action blobs themselves, ready for the caller to upload
// alongside the inputs (spec §4.5).
func Build(a Action) (digest.Digest, map[digest.Digest][]byte, error) {
	blobs := make(map[digest.Digest][]byte)

	cmd := buildCommand(a)
	cmdDigest, cmdBlob, err := digest.FromMessage(cmd)
	if err != nil {
		return digest.Digest{}, nil, errors.Wrap(err, "marshalling command")
	}
	blobs[cmdDigest] = cmdBlob

	action := &repb.Action{
		CommandDigest:   cmdDigest.ToProto(),
		InputRootDigest: a.InputRoot.ToProto(),
		DoNotCache:      a.DoNotCache,
	}
	if a.Timeout != 0 {
		action.Timeout = ptypes.DurationProto(a.Timeout)
	}

	actionDigest, actionBlob, err := digest.FromMessage(action)
	if err != nil {
		return digest.Digest{}, nil, errors.Wrap(err, "marshalling action")
	}
	blobs[actionDigest] = actionBlob

	return actionDigest, blobs, nil
}

func buildCommand(a Action) *repb.Command {
	cmd := &repb.Command{
		Arguments:         a.Args,
		WorkingDirectory:  a.WorkingDir,
		OutputFiles:       append([]string(nil), a.OutputFiles...),
		OutputDirectories: append([]string(nil), a.OutputDirs...),
	}
	sort.Strings(cmd.OutputFiles)
	sort.Strings(cmd.OutputDirectories)

	for name, value := range a.EnvVars {
		cmd.EnvironmentVariables = append(cmd.EnvironmentVariables, &repb.Command_EnvironmentVariable{Name: name, Value: value})
	}
	sort.Slice(cmd.EnvironmentVariables, func(i, j int) bool {
		return cmd.EnvironmentVariables[i].Name < cmd.EnvironmentVariables[j].Name
	})

	if len(a.Platform) > 0 {
		plat := &repb.Platform{}
		for name, value := range a.Platform {
			plat.Properties = append(plat.Properties, &repb.Platform_Property{Name: name, Value: value})
		}
		sort.Slice(plat.Properties, func(i, j int) bool {
			if plat.Properties[i].Name != plat.Properties[j].Name {
				return plat.Properties[i].Name < plat.Properties[j].Name
			}
			return plat.Properties[i].Value < plat.Properties[j].Value
		})
		cmd.Platform = plat
	}
	return cmd
}
