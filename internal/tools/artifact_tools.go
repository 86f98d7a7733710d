package tools

import (
	"context"
	"encoding/json"
	"errors"
	"unicode/utf8"

	"github.com/hivegrid/hivegrid/internal/artifacts"
)

// PutArtifact stores text or binary content and returns its reference.
type PutArtifact struct{}

func (PutArtifact) Name() string { return "put_artifact" }

func (PutArtifact) Description() string {
	return "Store content in the artifact store and get back an artifact reference that can be attached to messages."
}

type putArtifactParams struct {
	Content string            `json:"content" jsonschema_description:"The content to store."`
	Type    string            `json:"type,omitempty" jsonschema_description:"Artifact type, e.g. text, json, image, file."`
	Meta    map[string]string `json:"meta,omitempty" jsonschema_description:"Optional key/value metadata."`
}

func (PutArtifact) Parameters() json.RawMessage { return ReflectSchema(putArtifactParams{}) }

func (PutArtifact) Execute(ctx context.Context, inv *Invocation, args json.RawMessage) (*Result, error) {
	var params putArtifactParams
	if err := json.Unmarshal(args, &params); err != nil {
		return nil, Errf(CodeInvalidArgs, "%v", err)
	}
	if params.Type == "" {
		params.Type = "text"
	}
	ref, meta, err := inv.Artifacts.Put([]byte(params.Content), params.Type, artifacts.PutOptions{Meta: params.Meta})
	if err != nil {
		return nil, Errf(CodeArtifactWriteError, "%v", err)
	}
	return &Result{Data: map[string]any{"artifactRef": ref, "size": meta.Size}}, nil
}

// GetArtifact fetches previously stored content by reference.
type GetArtifact struct{}

func (GetArtifact) Name() string { return "get_artifact" }

func (GetArtifact) Description() string {
	return "Fetch artifact content and metadata by artifact reference."
}

type getArtifactParams struct {
	Ref string `json:"ref" jsonschema_description:"The artifact reference, e.g. artifact:<id>."`
}

func (GetArtifact) Parameters() json.RawMessage { return ReflectSchema(getArtifactParams{}) }

func (GetArtifact) Execute(ctx context.Context, inv *Invocation, args json.RawMessage) (*Result, error) {
	var params getArtifactParams
	if err := json.Unmarshal(args, &params); err != nil {
		return nil, Errf(CodeInvalidArgs, "%v", err)
	}
	content, meta, err := inv.Artifacts.Get(params.Ref)
	if err != nil {
		if errors.Is(err, artifacts.ErrNotFound) {
			return nil, Errf(CodeArtifactNotFound, "no artifact %q", params.Ref)
		}
		return nil, err
	}
	data := map[string]any{"meta": meta}
	if utf8.Valid(content) {
		data["content"] = string(content)
	} else {
		data["content"] = ""
		data["binary"] = true
		data["size"] = len(content)
	}
	return &Result{Data: data}, nil
}
