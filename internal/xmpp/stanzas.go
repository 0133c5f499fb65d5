package xmpp

import (
	"bytes"
	"encoding/xml"
)

// Wire representations of the stanzas this client exchanges. Namespaces
// per RFC 6120/6121, XEP-0077 (in-band registration) and XEP-0054
// (vcard-temp).

const (
	nsClient   = "jabber:client"
	nsRoster   = "jabber:iq:roster"
	nsRegister = "jabber:iq:register"
	nsVCard    = "vcard-temp"
)

type clientPresence struct {
	XMLName  xml.Name `xml:"presence"`
	ID       string   `xml:"id,attr,omitempty"`
	Type     string   `xml:"type,attr,omitempty"`
	From     string   `xml:"from,attr,omitempty"`
	To       string   `xml:"to,attr,omitempty"`
	Show     string   `xml:"show,omitempty"`
	Status   string   `xml:"status,omitempty"`
	Priority int      `xml:"priority,omitempty"`
}

type clientIQ struct {
	XMLName xml.Name     `xml:"iq"`
	ID      string       `xml:"id,attr"`
	Type    string       `xml:"type,attr"`
	From    string       `xml:"from,attr,omitempty"`
	To      string       `xml:"to,attr,omitempty"`
	Error   *stanzaError `xml:"error,omitempty"`
	Inner   []byte       `xml:",innerxml"`
}

type stanzaError struct {
	XMLName xml.Name `xml:"error"`
	Type    string   `xml:"type,attr,omitempty"`
	Text    string   `xml:"urn:ietf:params:xml:ns:xmpp-stanzas text,omitempty"`
	Inner   []byte   `xml:",innerxml"`
}

// condition returns the defined-condition child element name, e.g.
// "conflict" or "service-unavailable".
func (e *stanzaError) condition() string {
	d := xml.NewDecoder(bytes.NewReader(e.Inner))
	for {
		tok, err := d.Token()
		if err != nil {
			return ""
		}
		if start, ok := tok.(xml.StartElement); ok {
			if start.Name.Local == "text" {
				continue
			}
			return start.Name.Local
		}
	}
}

type rosterQuery struct {
	XMLName xml.Name     `xml:"jabber:iq:roster query"`
	Ver     string       `xml:"ver,attr,omitempty"`
	Items   []rosterItem `xml:"item"`
}

type rosterItem struct {
	XMLName      xml.Name `xml:"item"`
	JID          string   `xml:"jid,attr"`
	Name         string   `xml:"name,attr,omitempty"`
	Subscription string   `xml:"subscription,attr,omitempty"`
	Ask          string   `xml:"ask,attr,omitempty"`
}

type registerQuery struct {
	XMLName  xml.Name `xml:"jabber:iq:register query"`
	Username string   `xml:"username,omitempty"`
	Password string   `xml:"password,omitempty"`
	Name     string   `xml:"name,omitempty"`
	Email    string   `xml:"email,omitempty"`
}

type vCard struct {
	XMLName  xml.Name    `xml:"vcard-temp vCard"`
	FullName string      `xml:"FN,omitempty"`
	Email    *vCardEmail `xml:"EMAIL,omitempty"`
	Photo    *vCardPhoto `xml:"PHOTO,omitempty"`
}

type vCardEmail struct {
	UserID string `xml:"USERID,omitempty"`
}

type vCardPhoto struct {
	Type   string `xml:"TYPE,omitempty"`
	BinVal string `xml:"BINVAL,omitempty"`
}
