package api

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/nooterra/nooterra/pkg/protocol"
)

// Request body schemas, compiled once at startup. Engines re-validate
// semantics; these reject structurally invalid payloads before any engine
// code runs.
var schemaSources = map[string]string{
	"agents.register": `{
		"type": "object",
		"required": ["displayName", "keyId", "publicKeyPem"],
		"properties": {
			"agentId": {"type": "string"},
			"displayName": {"type": "string", "minLength": 1},
			"keyId": {"type": "string", "minLength": 1},
			"publicKeyPem": {"type": "string", "minLength": 1},
			"owner": {"type": "object"},
			"capabilities": {"type": "array", "items": {"type": "string"}},
			"currency": {"type": "string"}
		}
	}`,
	"wallet.credit": `{
		"type": "object",
		"required": ["amountCents"],
		"properties": {
			"amountCents": {"type": "integer", "minimum": 1}
		}
	}`,
	"runs.create": `{
		"type": "object",
		"properties": {
			"runId": {"type": "string"},
			"metadata": {"type": "object"},
			"settlement": {
				"type": "object",
				"required": ["payerAgentId", "amountCents", "currency"],
				"properties": {
					"payerAgentId": {"type": "string", "minLength": 1},
					"amountCents": {"type": "integer", "minimum": 1},
					"currency": {"type": "string", "minLength": 1},
					"disputeWindowDays": {"type": "integer", "minimum": 0},
					"policyArtifactId": {"type": "string"},
					"gateId": {"type": "string"}
				}
			}
		}
	}`,
	"runs.event": `{
		"type": "object",
		"required": ["type"],
		"properties": {
			"type": {"type": "string", "minLength": 1},
			"payload": {"type": "object"}
		}
	}`,
	"settlement.resolve": `{
		"type": "object",
		"required": ["releaseRatePct"],
		"properties": {
			"releaseRatePct": {"type": "integer", "minimum": 0, "maximum": 100}
		}
	}`,
	"dispute.open": `{
		"type": "object",
		"required": ["disputeType", "disputePriority", "disputeChannel", "escalationLevel"],
		"properties": {
			"disputeType": {"type": "string", "minLength": 1},
			"disputePriority": {"type": "string", "minLength": 1},
			"disputeChannel": {"type": "string", "minLength": 1},
			"escalationLevel": {"type": "string", "minLength": 1},
			"openedBy": {"type": "string"},
			"reason": {"type": "string"},
			"evidenceRefs": {"type": "array", "items": {"type": "string"}}
		}
	}`,
	"dispute.evidence": `{
		"type": "object",
		"required": ["evidenceRefs"],
		"properties": {
			"evidenceRefs": {"type": "array", "items": {"type": "string"}, "minItems": 1}
		}
	}`,
	"dispute.escalate": `{
		"type": "object",
		"required": ["escalationLevel"],
		"properties": {
			"escalationLevel": {"type": "string", "minLength": 1}
		}
	}`,
	"dispute.close": `{
		"type": "object",
		"required": ["outcome", "arbiterKeyId"],
		"properties": {
			"outcome": {"type": "string", "enum": ["full", "partial", "none"]},
			"releaseRatePct": {"type": "integer", "minimum": 0, "maximum": 100},
			"arbiterKeyId": {"type": "string", "minLength": 1},
			"notes": {"type": "string"}
		}
	}`,
	"marketplace.rfq": `{
		"type": "object",
		"required": ["requesterAgentId", "currency"],
		"properties": {
			"requesterAgentId": {"type": "string", "minLength": 1},
			"currency": {"type": "string", "minLength": 1},
			"maxBudgetCents": {"type": "integer", "minimum": 0},
			"task": {"type": "object"}
		}
	}`,
	"marketplace.bid": `{
		"type": "object",
		"required": ["bidderAgentId", "amountCents"],
		"properties": {
			"bidderAgentId": {"type": "string", "minLength": 1},
			"amountCents": {"type": "integer", "minimum": 1},
			"terms": {"type": "object"}
		}
	}`,
	"marketplace.counter": `{
		"type": "object",
		"required": ["amountCents", "proposedBy", "prevProposalHash"],
		"properties": {
			"amountCents": {"type": "integer", "minimum": 1},
			"terms": {"type": "object"},
			"proposedBy": {"type": "string", "minLength": 1},
			"prevProposalHash": {"type": "string", "minLength": 1}
		}
	}`,
	"marketplace.accept": `{
		"type": "object",
		"required": ["bidId", "acceptedByAgentId", "acceptedProposalHash"],
		"properties": {
			"bidId": {"type": "string", "minLength": 1},
			"acceptedByAgentId": {"type": "string", "minLength": 1},
			"acceptedProposalHash": {"type": "string", "minLength": 1},
			"actingOnBehalfOfChainHash": {"type": "string"},
			"signerKeyId": {"type": "string"},
			"disputeWindowDays": {"type": "integer", "minimum": 0},
			"policyArtifactId": {"type": "string"},
			"verificationMethodHash": {"type": "string"},
			"policyRefHash": {"type": "string"}
		}
	}`,
	"x402.create": `{
		"type": "object",
		"required": ["quote", "executionIntent"],
		"properties": {
			"gateId": {"type": "string"},
			"quote": {
				"type": "object",
				"required": ["payerAgentId", "payeeAgentId", "amountCents", "currency"],
				"properties": {
					"payerAgentId": {"type": "string", "minLength": 1},
					"payeeAgentId": {"type": "string", "minLength": 1},
					"amountCents": {"type": "integer", "minimum": 1},
					"currency": {"type": "string", "minLength": 1}
				}
			},
			"executionIntent": {"type": "object"},
			"intentExpiresAt": {"type": "string"},
			"requestBindingMode": {"type": "string", "enum": ["strict", "none"]},
			"requestBindingSha256": {"type": "string"}
		}
	}`,
	"x402.authorize": `{
		"type": "object",
		"required": ["gateId", "executionIntentHash"],
		"properties": {
			"gateId": {"type": "string", "minLength": 1},
			"executionIntentHash": {"type": "string", "minLength": 1},
			"requestSha256": {"type": "string"},
			"paymentRef": {"type": "string"}
		}
	}`,
	"x402.verify": `{
		"type": "object",
		"required": ["gateId"],
		"properties": {
			"gateId": {"type": "string", "minLength": 1},
			"policyArtifactId": {"type": "string"},
			"verificationStatus": {"type": "string", "enum": ["green", "amber", "red"]},
			"evidenceRefs": {"type": "array", "items": {"type": "string"}},
			"responseSha256": {"type": "string"}
		}
	}`,
}

var schemas = compileSchemas()

func compileSchemas() map[string]*jsonschema.Schema {
	compiled := make(map[string]*jsonschema.Schema, len(schemaSources))
	for name, src := range schemaSources {
		c := jsonschema.NewCompiler()
		url := name + ".json"
		if err := c.AddResource(url, strings.NewReader(src)); err != nil {
			panic(fmt.Sprintf("schema %s: %v", name, err))
		}
		compiled[name] = c.MustCompile(url)
	}
	return compiled
}

// decodeBody reads, parses, and schema-validates a request body. The raw
// bytes are returned for the idempotency fingerprint.
func decodeBody(r *http.Request, schemaName string, into any) ([]byte, error) {
	raw, err := io.ReadAll(http.MaxBytesReader(nil, r.Body, 1<<20))
	if err != nil {
		return nil, protocol.NewError(protocol.CodePayloadRequired, "unreadable request body")
	}
	if len(raw) == 0 {
		return nil, protocol.NewError(protocol.CodePayloadRequired, "a JSON request body is required")
	}
	var generic any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return nil, protocol.Errorf(protocol.CodeSchemaInvalid, "invalid JSON: %v", err)
	}
	if sch, ok := schemas[schemaName]; ok {
		if err := sch.Validate(generic); err != nil {
			return nil, protocol.Errorf(protocol.CodeSchemaInvalid, "request body does not match schema: %v", err)
		}
	}
	if err := json.Unmarshal(raw, into); err != nil {
		return nil, protocol.Errorf(protocol.CodeSchemaInvalid, "invalid request body: %v", err)
	}
	return raw, nil
}
