package identity

// Builder accumulates the identifiers seen in one parsed message and
// emits a single link chain on Build, avoiding N-squared link calls per
// message.
type Builder struct {
	manager *Manager

	imsi   string
	msisdn string
	imei   string
	ueIP   string
	guti   *GUTI4G
	tmsi   *uint32
	apn    string

	gtpTunnels []gtpTunnelRef
}

type gtpTunnelRef struct {
	peerIP string
	teid   uint32
}

// NewBuilder starts a builder over the given manager.
func NewBuilder(manager *Manager) *Builder {
	return &Builder{manager: manager}
}

// FromSipFrom records the caller identity of a SIP From header.
func (b *Builder) FromSipFrom(fromURI string) *Builder {
	if norm := NormalizeMSISDN(fromURI); !norm.IsEmpty() && b.msisdn == "" {
		b.msisdn = fromURI
	}
	return b
}

// FromSipContact records the registered contact and its IP.
func (b *Builder) FromSipContact(contact, ip string) *Builder {
	if norm := NormalizeMSISDN(contact); !norm.IsEmpty() && b.msisdn == "" {
		b.msisdn = contact
	}
	if ip != "" && b.ueIP == "" {
		b.ueIP = ip
	}
	return b
}

// FromDiameterIMSI records a User-Name style IMSI.
func (b *Builder) FromDiameterIMSI(imsi string) *Builder {
	if b.imsi == "" {
		b.imsi = imsi
	}
	return b
}

// FromDiameterMSISDN records a 3GPP-MSISDN AVP value.
func (b *Builder) FromDiameterMSISDN(msisdn string) *Builder {
	if b.msisdn == "" {
		b.msisdn = msisdn
	}
	return b
}

// FromDiameterFramedIP records a Framed-IP-Address / Framed-IPv6-Prefix.
func (b *Builder) FromDiameterFramedIP(ip string) *Builder {
	if b.ueIP == "" {
		b.ueIP = ip
	}
	return b
}

// FromGtpIMSI records the IMSI IE of a GTPv2 message.
func (b *Builder) FromGtpIMSI(imsi string) *Builder {
	if b.imsi == "" {
		b.imsi = imsi
	}
	return b
}

// FromGtpMSISDN records the MSISDN IE of a GTPv2 message.
func (b *Builder) FromGtpMSISDN(msisdn string) *Builder {
	if b.msisdn == "" {
		b.msisdn = msisdn
	}
	return b
}

// FromGtpMEI records the MEI IE (an IMEI/IMEISV).
func (b *Builder) FromGtpMEI(mei string) *Builder {
	if b.imei == "" {
		b.imei = mei
	}
	return b
}

// FromGtpPDNAddress records the allocated UE IP.
func (b *Builder) FromGtpPDNAddress(ip string) *Builder {
	if b.ueIP == "" {
		b.ueIP = ip
	}
	return b
}

// FromGtpFTEID records a GTP-U fully-qualified TEID.
func (b *Builder) FromGtpFTEID(ip string, teid uint32) *Builder {
	b.gtpTunnels = append(b.gtpTunnels, gtpTunnelRef{peerIP: ip, teid: teid})
	return b
}

// FromGtpAPN records the APN IE.
func (b *Builder) FromGtpAPN(apn string) *Builder {
	if b.apn == "" {
		b.apn = apn
	}
	return b
}

// FromNasIMSI records a mobile-identity IMSI.
func (b *Builder) FromNasIMSI(imsi string) *Builder {
	if b.imsi == "" {
		b.imsi = imsi
	}
	return b
}

// FromNasIMEI records a mobile-identity IMEI/IMEISV.
func (b *Builder) FromNasIMEI(imei string) *Builder {
	if b.imei == "" {
		b.imei = imei
	}
	return b
}

// FromNasGUTI records the allocated GUTI.
func (b *Builder) FromNasGUTI(guti GUTI4G) *Builder {
	g := guti
	b.guti = &g
	return b
}

// FromNasTMSI records the allocated TMSI.
func (b *Builder) FromNasTMSI(tmsi uint32) *Builder {
	t := tmsi
	b.tmsi = &t
	return b
}

// Build links all accumulated identifiers into one subscriber context and
// returns it (nil when nothing usable was collected).
func (b *Builder) Build() *SubscriberIdentity {
	// Chain every secondary identifier to the strongest anchor present.
	switch {
	case b.imsi != "":
		if b.msisdn != "" {
			b.manager.LinkIMSIMSISDN(b.imsi, b.msisdn)
		}
		if b.imei != "" {
			b.manager.LinkIMSIIMEI(b.imsi, b.imei)
		}
		if b.ueIP != "" {
			b.manager.LinkIMSIUEIP(b.imsi, b.ueIP)
		}
		if b.guti != nil {
			b.manager.LinkIMSIGUTI(b.imsi, *b.guti)
		}
		if b.tmsi != nil {
			b.manager.LinkIMSITMSI(b.imsi, *b.tmsi)
		}
	case b.msisdn != "":
		if b.ueIP != "" {
			b.manager.LinkMSISDNUEIP(b.msisdn, b.ueIP)
		}
	}

	var ctx *SubscriberIdentity
	switch {
	case b.imsi != "":
		ctx, _ = b.manager.GetOrCreateByIMSI(b.imsi)
	case b.msisdn != "":
		ctx, _ = b.manager.GetOrCreateByMSISDN(b.msisdn)
	case b.imei != "":
		ctx, _ = b.manager.GetOrCreateByIMEI(b.imei)
	case b.ueIP != "":
		ctx, _ = b.manager.GetOrCreateByUEIP(b.ueIP)
	}
	if ctx == nil {
		return nil
	}

	b.manager.mu.Lock()
	if b.apn != "" && ctx.APN == "" {
		ctx.APN = b.apn
	}
	b.manager.mu.Unlock()

	anchor := b.imsi
	if anchor == "" {
		anchor = b.msisdn
	}
	for _, t := range b.gtpTunnels {
		if anchor != "" {
			b.manager.AddGTPUTunnel(anchor, t.peerIP, t.teid)
		}
	}

	return ctx
}
