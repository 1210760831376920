package stream

// beginSTARTTLS implements spec §4.4's STARTTLS branch: initiate the
// handshake and mark it active so a later <stream:features> never
// re-triggers it on the same stream. The codec owns the actual negotiation
// (writing <starttls/>, consuming the peer's <proceed/>, and wrapping the
// connection); Glue only tracks whether it has happened yet.
func (g *Glue) beginSTARTTLS() error {
	if err := g.codec.StartTLS(); err != nil {
		return err
	}
	g.tlsActive = true
	return nil
}
