// Package nut06 contains structs as defined in [NUT-06]
//
// [NUT-06]: https://github.com/cashubtc/nuts/blob/main/06.md
package nut06

import (
	"encoding/json"

	"github.com/elnosh/nutcore/cashu/nuts/nut17"
)

type MintInfo struct {
	Name            string        `json:"name"`
	Pubkey          string        `json:"pubkey,omitempty"`
	Version         string        `json:"version,omitempty"`
	Description     string        `json:"description,omitempty"`
	LongDescription string        `json:"description_long,omitempty"`
	Contact         []ContactInfo `json:"contact,omitempty"`
	Motd            string        `json:"motd,omitempty"`
	IconURL         string        `json:"icon_url,omitempty"`
	URLs            []string      `json:"urls,omitempty"`
	Time            int64         `json:"time,omitempty"`
	Nuts            Nuts          `json:"nuts"`
}

type ContactInfo struct {
	Method string `json:"method"`
	Info   string `json:"info"`
}

// custom unmarshal to ignore contact field if on old format
func (mi *MintInfo) UnmarshalJSON(data []byte) error {
	type alias MintInfo
	var tempInfo struct {
		alias
		Contact json.RawMessage `json:"contact,omitempty"`
	}

	if err := json.Unmarshal(data, &tempInfo); err != nil {
		return err
	}

	*mi = MintInfo(tempInfo.alias)
	if len(tempInfo.Contact) > 0 {
		var contact []ContactInfo
		if err := json.Unmarshal(tempInfo.Contact, &contact); err == nil {
			mi.Contact = contact
		}
	}

	return nil
}

type NutSetting struct {
	Methods  []MethodSetting `json:"methods"`
	Disabled bool            `json:"disabled"`
}

type MethodSetting struct {
	Method    string `json:"method"`
	Unit      string `json:"unit"`
	MinAmount uint64 `json:"min_amount,omitempty"`
	MaxAmount uint64 `json:"max_amount,omitempty"`
}

type Supported struct {
	Supported bool `json:"supported"`
}

type Nuts struct {
	Nut04 NutSetting        `json:"4"`
	Nut05 NutSetting        `json:"5"`
	Nut07 Supported         `json:"7"`
	Nut08 Supported         `json:"8"`
	Nut09 Supported         `json:"9"`
	Nut10 Supported         `json:"10"`
	Nut11 Supported         `json:"11"`
	Nut14 Supported         `json:"14"`
	Nut17 nut17.InfoSetting `json:"17"`
	Nut20 Supported         `json:"20"`
}
