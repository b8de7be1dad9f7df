package ingest

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/ppiankov/configwatch/internal/store"
)

// CloudTrail event sources for supported resource types.
const (
	sourceS3  = "s3.amazonaws.com"
	sourceKMS = "kms.amazonaws.com"
)

type cloudTrailDetail struct {
	EventTime         time.Time       `json:"eventTime"`
	RequestParameters json.RawMessage `json:"requestParameters"`
	ResponseElements  json.RawMessage `json:"responseElements"`
	UserIdentity      struct {
		AccountID string `json:"accountId"`
	} `json:"userIdentity"`
	EventSource        string `json:"eventSource"`
	EventName          string `json:"eventName"`
	AWSRegion          string `json:"awsRegion"`
	RecipientAccountID string `json:"recipientAccountId"`
	ReadOnly           bool   `json:"readOnly"`
}

type requestParameters struct {
	BucketName string `json:"bucketName"`
	KeyID      string `json:"keyId"`
}

type responseElements struct {
	KeyMetadata struct {
		KeyID string `json:"keyId"`
		Arn   string `json:"arn"`
	} `json:"keyMetadata"`
	KeyID string `json:"keyId"`
}

// readOnlyPrefixes are API calls that never change configuration.
var readOnlyPrefixes = []string{"Get", "List", "Describe", "Head", "Encrypt", "Decrypt", "GenerateDataKey", "Sign", "Verify", "ReEncrypt"}

func fromCloudTrail(raw json.RawMessage, snap *store.ResourceSnapshot) Item {
	var d cloudTrailDetail
	if err := json.Unmarshal(raw, &d); err != nil {
		return Item{Err: fmt.Errorf("%w: cloudtrail detail: %v", ErrUnrecognized, err)}
	}
	if d.ReadOnly || isReadOnly(d.EventName) {
		return Item{Err: fmt.Errorf("%w: read-only call %s", ErrIgnored, d.EventName)}
	}

	var params requestParameters
	if len(d.RequestParameters) > 0 && string(d.RequestParameters) != "null" {
		if err := json.Unmarshal(d.RequestParameters, &params); err != nil {
			return Item{Err: fmt.Errorf("%w: request parameters: %v", ErrUnrecognized, err)}
		}
	}

	ev := store.ChangeEvent{
		AccountID: d.UserIdentity.AccountID,
		Region:    d.AWSRegion,
		Source:    "cloudtrail:" + d.EventName,
		At:        d.EventTime,
	}
	if d.RecipientAccountID != "" {
		ev.AccountID = d.RecipientAccountID
	}

	switch d.EventSource {
	case sourceS3:
		ev.ResourceType = store.ResourceS3
		ev.ResourceID = params.BucketName
		ev.Kind = s3Kind(d.EventName)
	case sourceKMS:
		ev.ResourceType = store.ResourceKMS
		ev.ResourceID = keyID(params.KeyID, d.ResponseElements)
		ev.Kind = kmsKind(d.EventName)
	default:
		return Item{Err: fmt.Errorf("%w: event source %q", ErrIgnored, d.EventSource)}
	}
	if ev.ResourceID == "" && snap != nil {
		ev.ResourceID = snap.ResourceID
	}
	if ev.ResourceID == "" {
		return Item{Err: fmt.Errorf("%w: %s without resource identifier", ErrUnrecognized, d.EventName)}
	}

	return finish(Item{Event: ev, Snapshot: snap})
}

func isReadOnly(eventName string) bool {
	for _, p := range readOnlyPrefixes {
		if strings.HasPrefix(eventName, p) {
			return true
		}
	}
	return false
}

func s3Kind(eventName string) store.ChangeKind {
	switch eventName {
	case "CreateBucket":
		return store.ChangeCreated
	case "DeleteBucket":
		return store.ChangeDeleted
	default:
		return store.ChangeModified
	}
}

// kmsKind maps key API calls. ScheduleKeyDeletion only changes the key state;
// the key is gone when KMS logs DeleteKey at the end of the waiting period.
func kmsKind(eventName string) store.ChangeKind {
	switch eventName {
	case "CreateKey", "ReplicateKey":
		return store.ChangeCreated
	case "DeleteKey":
		return store.ChangeDeleted
	default:
		return store.ChangeModified
	}
}

// keyID takes the key from the request, or from the response for CreateKey.
// Key ARNs are reduced to the bare key id used as the resource id.
func keyID(requested string, response json.RawMessage) string {
	id := requested
	if id == "" && len(response) > 0 {
		var resp responseElements
		if err := json.Unmarshal(response, &resp); err == nil {
			id = resp.KeyMetadata.KeyID
			if id == "" {
				id = resp.KeyID
			}
		}
	}
	if i := strings.LastIndex(id, ":key/"); i >= 0 {
		id = id[i+len(":key/"):]
	}
	return id
}
