package backend

import (
	"context"
	"errors"
	"net/http"
)

// PagePrivilegeRecord is the wire shape of a page permission.
type PagePrivilegeRecord struct {
	PageName  string `json:"pageName" validate:"required"`
	CanView   bool   `json:"canView"`
	CanAdd    bool   `json:"canAdd"`
	CanEdit   bool   `json:"canEdit"`
	CanDelete bool   `json:"canDelete"`
}

// PrivilegeRecord is the wire shape of a module permission.
type PrivilegeRecord struct {
	ModuleName string                `json:"moduleName" validate:"required"`
	Pages      []PagePrivilegeRecord `json:"pages" validate:"dive"`
}

type privilegeList struct {
	Records []PrivilegeRecord `validate:"dive"`
}

// FetchPrivileges calls GET /privileges for the bearer of accessToken. An empty body or
// a JSON null yields an empty list without error.
func (c *Client) FetchPrivileges(ctx context.Context, accessToken string) ([]PrivilegeRecord, error) {
	const path = "/privileges"
	var records []PrivilegeRecord
	if err := c.do(ctx, http.MethodGet, path, nil, accessToken, nil, &records); err != nil {
		if errors.Is(err, errEmptyBody) {
			return nil, nil
		}
		return nil, err
	}
	if err := c.validateStruct(path, privilegeList{Records: records}); err != nil {
		return nil, err
	}
	return records, nil
}
