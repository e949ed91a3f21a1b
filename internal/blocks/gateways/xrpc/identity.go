package xrpc

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/haukened/blockmirror/internal/blocks/common/utils"
	"github.com/haukened/blockmirror/internal/blocks/domain"
)

const pdsServiceID = "#atproto_pds"

type didDocument struct {
	ID      string `json:"id"`
	Service []struct {
		ID              string `json:"id"`
		Type            string `json:"type"`
		ServiceEndpoint string `json:"serviceEndpoint"`
	} `json:"service"`
}

// pdsEndpoint returns the #atproto_pds service endpoint of the document.
func (d didDocument) pdsEndpoint() string {
	for _, s := range d.Service {
		if s.ID == pdsServiceID || strings.HasSuffix(s.ID, pdsServiceID) {
			return strings.TrimRight(s.ServiceEndpoint, "/")
		}
	}
	return ""
}

// ResolveServerURL resolves the account's home server from its DID
// document. Results are cached by DID.
func (c *Client) ResolveServerURL(ctx context.Context, did string) (string, error) {
	if u, ok := c.servers.Get(did); ok {
		return u, nil
	}

	docURL, err := c.didDocumentURL(did)
	if err != nil {
		return "", err
	}
	var doc didDocument
	if err := c.getJSON(ctx, "did.resolve", docURL, &doc); err != nil {
		return "", err
	}
	endpoint := doc.pdsEndpoint()
	if endpoint == "" {
		return "", fmt.Errorf(errNoPDSService, did, fmt.Errorf("%w: %w", domain.ErrNoServer, domain.ErrPermanent))
	}
	c.servers.Add(did, endpoint)
	return endpoint, nil
}

// ForgetServerURL drops the cached home server for did.
func (c *Client) ForgetServerURL(did string) {
	c.servers.Remove(did)
}

func (c *Client) didDocumentURL(did string) (string, error) {
	method, id, err := utils.ParseDID(did)
	if err != nil {
		return "", fmt.Errorf("%w: %w", err, domain.ErrPermanent)
	}
	switch method {
	case "plc":
		return c.plc + "/" + did, nil
	case "web":
		// did:web:example.com:user:alice -> https://example.com/user/alice/did.json
		parts := strings.Split(id, ":")
		host, err := url.PathUnescape(parts[0])
		if err != nil {
			return "", fmt.Errorf("%w: %w", utils.ErrInvalidDID, domain.ErrPermanent)
		}
		if len(parts) == 1 {
			return "https://" + host + "/.well-known/did.json", nil
		}
		return "https://" + host + "/" + strings.Join(parts[1:], "/") + "/did.json", nil
	default:
		return "", fmt.Errorf(errUnsupportedDID, method, domain.ErrPermanent)
	}
}
