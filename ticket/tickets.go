package ticket

// GrantType is the OAuth grant that produced a token ticket.
type GrantType string

const (
	GrantAuthorizationCode GrantType = "authorization_code"
	GrantRefreshToken      GrantType = "refresh_token"
	GrantClientCredentials GrantType = "client_credentials"
	GrantDeviceCode        GrantType = "urn:ietf:params:oauth:grant-type:device_code"
	GrantCiba              GrantType = "urn:openid:params:grant-type:ciba"
)

// ResponseType is the OAuth response type requested at authorization time.
type ResponseType string

const (
	ResponseCode        ResponseType = "code"
	ResponseToken       ResponseType = "token"
	ResponseDeviceCode  ResponseType = "device_code"
	ResponseIDToken     ResponseType = "id_token"
	ResponseUnspecified ResponseType = ""
)

// GrantingTicket is the session root. Tokens issued under it reference it by
// id; the store maintains the parent->children index used for cascading
// invalidation.
type GrantingTicket struct {
	TicketState State
	Policy      ExpirationPolicy
	Authn       Authentication
}

func (t *GrantingTicket) State() *State                      { return &t.TicketState }
func (t *GrantingTicket) Kind() Kind                         { return KindGranting }
func (t *GrantingTicket) ExpirationPolicy() ExpirationPolicy { return t.Policy }
func (t *GrantingTicket) ParentID() string                   { return "" }
func (t *GrantingTicket) Authentication() Authentication     { return t.Authn }

// ServiceTicket grants one principal access to one relying party.
type ServiceTicket struct {
	TicketState State
	Policy      ExpirationPolicy
	Service     string
	GrantingID  string
	Authn       Authentication
}

func (t *ServiceTicket) State() *State                      { return &t.TicketState }
func (t *ServiceTicket) Kind() Kind                         { return KindService }
func (t *ServiceTicket) ExpirationPolicy() ExpirationPolicy { return t.Policy }
func (t *ServiceTicket) ParentID() string                   { return t.GrantingID }
func (t *ServiceTicket) Authentication() Authentication     { return t.Authn }

// OAuthCode is a single-use authorization code awaiting exchange.
type OAuthCode struct {
	TicketState         State
	Policy              ExpirationPolicy
	Service             string
	ClientID            string
	Scopes              []string
	GrantType           GrantType
	ResponseType        ResponseType
	CodeChallenge       string
	CodeChallengeMethod string
	GrantingID          string
	Authn               Authentication
}

func (t *OAuthCode) State() *State                      { return &t.TicketState }
func (t *OAuthCode) Kind() Kind                         { return KindOAuthCode }
func (t *OAuthCode) ExpirationPolicy() ExpirationPolicy { return t.Policy }
func (t *OAuthCode) ParentID() string                   { return t.GrantingID }
func (t *OAuthCode) Authentication() Authentication     { return t.Authn }

// AccessToken is the ticket record behind a minted bearer token.
type AccessToken struct {
	TicketState  State
	Policy       ExpirationPolicy
	Service      string
	ClientID     string
	Scopes       []string
	GrantType    GrantType
	ResponseType ResponseType
	GrantingID   string
	Authn        Authentication
}

func (t *AccessToken) State() *State                      { return &t.TicketState }
func (t *AccessToken) Kind() Kind                         { return KindAccessToken }
func (t *AccessToken) ExpirationPolicy() ExpirationPolicy { return t.Policy }
func (t *AccessToken) ParentID() string                   { return t.GrantingID }
func (t *AccessToken) Authentication() Authentication     { return t.Authn }

// RefreshToken mints new access tokens for as long as its policy allows.
// Granting is the in-memory reference consulted by the dependent expiration
// policy; it stays nil for standalone refresh tokens and for tickets
// reconstructed from their compact encoding.
type RefreshToken struct {
	TicketState  State
	Policy       ExpirationPolicy
	Service      string
	ClientID     string
	Scopes       []string
	GrantType    GrantType
	ResponseType ResponseType
	GrantingID   string
	Granting     *GrantingTicket
	Authn        Authentication
}

func (t *RefreshToken) State() *State                      { return &t.TicketState }
func (t *RefreshToken) Kind() Kind                         { return KindRefreshToken }
func (t *RefreshToken) ExpirationPolicy() ExpirationPolicy { return t.Policy }
func (t *RefreshToken) ParentID() string                   { return t.GrantingID }
func (t *RefreshToken) Authentication() Authentication     { return t.Authn }

// DeviceToken is the machine-pollable half of a device authorization pair.
// UserCode is a relation to the paired user-code ticket, not ownership: the
// user-code ticket's lifecycle belongs to the store.
type DeviceToken struct {
	TicketState State
	Policy      ExpirationPolicy
	Service     string
	ClientID    string
	Scopes      []string
	UserCode    string
}

func (t *DeviceToken) State() *State                      { return &t.TicketState }
func (t *DeviceToken) Kind() Kind                         { return KindDeviceToken }
func (t *DeviceToken) ExpirationPolicy() ExpirationPolicy { return t.Policy }
func (t *DeviceToken) ParentID() string                   { return "" }

// DeviceUserCode is the short human-enterable half of the pair.
type DeviceUserCode struct {
	TicketState   State
	Policy        ExpirationPolicy
	DeviceTokenID string
	Approved      bool
	Authn         Authentication
}

func (t *DeviceUserCode) State() *State                      { return &t.TicketState }
func (t *DeviceUserCode) Kind() Kind                         { return KindDeviceUserCode }
func (t *DeviceUserCode) ExpirationPolicy() ExpirationPolicy { return t.Policy }
func (t *DeviceUserCode) ParentID() string                   { return "" }
func (t *DeviceUserCode) Authentication() Authentication     { return t.Authn }

// CibaRequest tracks one backchannel authentication request. Ready flips when
// the out-of-band ceremony completes; token issuance requires it.
// NotificationToken is the bearer value the client supplied for ping and push
// callbacks.
type CibaRequest struct {
	TicketState       State
	Policy            ExpirationPolicy
	ClientID          string
	Scopes            []string
	NotificationToken string
	Ready             bool
	Authn             Authentication
}

func (t *CibaRequest) State() *State                      { return &t.TicketState }
func (t *CibaRequest) Kind() Kind                         { return KindCiba }
func (t *CibaRequest) ExpirationPolicy() ExpirationPolicy { return t.Policy }
func (t *CibaRequest) ParentID() string                   { return "" }
func (t *CibaRequest) Authentication() Authentication     { return t.Authn }
