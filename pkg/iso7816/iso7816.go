/*
Package iso7816 speaks the APDU layer of ISO/IEC 7816-4 to a card.

It holds the command and response codecs, the CLA and INS decoders, the
status word classifier and a Client that turns one logical command into the
physical exchanges a card needs.

# Exchanges

A logical command may cost several round trips. The Client takes care of
them and records each one in the Result's Trace:

  - data longer than one exchange is split and chained with CLA b5;
  - '6CXX' is answered by re-sending the same command once with Le = XX;
  - '61XX' is followed by GET RESPONSE until the card has nothing left,
    within a bounded number of continuations.

A Wrapper installed on the Client (package scp provides one) protects every
outgoing segment and verifies the reassembled answer once.

# Status words

Classify maps a status word to an Outcome. Only MoreDataAvailable and
WrongLength drive the Client; everything else ends the command. Transceive
returns a *StatusError for any final status other than 9000 unless the
caller allowed it.

# Reports

SelectResult and GetDataResult wrap a Result with parsing and a printable
report:

	client := iso7816.NewClient(card, iso7816.WithLogger(logger))

	res, err := client.Transceive(iso7816.SelectByAID(iso7816.Class{}, aid))
	if err != nil {
		return err
	}

	sel, err := iso7816.NewSelectResult(res)
	if err != nil {
		return err
	}
	fmt.Println(sel.Describe())

	fci, err := sel.FCI()
	if err != nil {
		return err
	}
	if sd, _ := fci.SecurityDomain(); sd != nil {
		max, _ := sd.MaxCommandLength()
		fmt.Println("max command data:", max)
	}
*/
package iso7816
