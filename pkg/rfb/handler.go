package rfb

// Handler is the application-supplied capability set replacing the
// source's deep function-pointer tables (GotFrameBufferUpdate,
// MallocFrameBuffer, HandleKeyboardLedState, ...). An implementation
// provides all three methods; a Server built with a nil Handler skips
// these callbacks altogether.
type Handler interface {
	// OnKeyEvent is called for each KeyEvent message.
	OnKeyEvent(c *Client, down bool, key uint32)
	// OnPointerEvent is called for each PointerEvent message.
	OnPointerEvent(c *Client, buttonMask uint8, x, y int)
	// OnClipboard is called for each ClientCutText message.
	OnClipboard(c *Client, text string)
}

// CredentialProvider supplies VeNCrypt X.509 client credentials on
// demand, replacing the source's synchronous getCredentials callback.
type CredentialProvider interface {
	GetCredentials() (caCertFile, caCrlFile, clientCertFile, clientKeyFile string, err error)
}

// Extension is the hook interface supplementing the built-in
// dispatch, per spec.md §4.D / §9's callback-table redesign note. Each
// registered Extension is consulted, in registration order, before the
// built-in message dispatch runs.
type Extension interface {
	// NewClient is called once a Client reaches PhaseNormal.
	NewClient(c *Client)
	// EnablePseudoEncoding is called for each pseudo-encoding id in a
	// client's SetEncodings list that the built-in set does not
	// handle; ok reports whether this extension claims it (later
	// extensions are then not asked).
	EnablePseudoEncoding(c *Client, id int32) (ok bool)
	// Init is called once, after EnablePseudoEncoding has run for the
	// whole SetEncodings list, before any update is sent.
	Init(c *Client)
	// HandleMessage is called for every command byte, before the
	// built-in dispatch; ok reports whether this extension consumed
	// the message body itself.
	HandleMessage(c *Client, cmd uint8) (ok bool, err error)
	// Close is called once, when the client is moved to PhaseClosed.
	Close(c *Client)
}

// ExtensionRegistry holds the ordered set of registered Extensions.
type ExtensionRegistry struct {
	extensions []Extension
}

// Register appends ext to the registry, in the order extensions are
// consulted.
func (r *ExtensionRegistry) Register(ext Extension) {
	r.extensions = append(r.extensions, ext)
}

func (r *ExtensionRegistry) notifyNewClient(c *Client) {
	for _, ext := range r.extensions {
		ext.NewClient(c)
	}
}

func (r *ExtensionRegistry) notifyPseudoEncoding(c *Client, id int32) bool {
	for _, ext := range r.extensions {
		if ext.EnablePseudoEncoding(c, id) {
			return true
		}
	}
	return false
}

func (r *ExtensionRegistry) notifyInit(c *Client) {
	for _, ext := range r.extensions {
		ext.Init(c)
	}
}

func (r *ExtensionRegistry) notifyMessage(c *Client, cmd uint8) (bool, error) {
	for _, ext := range r.extensions {
		ok, err := ext.HandleMessage(c, cmd)
		if ok || err != nil {
			return ok, err
		}
	}
	return false, nil
}

func (r *ExtensionRegistry) notifyClose(c *Client) {
	for _, ext := range r.extensions {
		ext.Close(c)
	}
}
