package services

import (
	"encoding/xml"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/moov-io/iso20022/pkg/common"
	"github.com/moov-io/iso20022/pkg/pacs_v08"
	"github.com/rentpay/backend/internal/models"
	"github.com/rentpay/backend/internal/vault"
)

const platformBIC = "RENTPAYK"

// SettlementService produces ISO 20022 messages for completed
// bank-destination withdrawals so the downstream settlement system can clear
// them. The creditor name stays masked: destination PII is encrypted under
// the user's PIN and the server holds no key, so the clearing member id
// (bank code) plus the end-to-end reference carry the routing.
type SettlementService struct{}

func NewSettlementService() *SettlementService {
	return &SettlementService{}
}

// ExportWithdrawal builds and sends a pacs.008 credit transfer for the net
// payout, followed by a pacs.002 accepted-settlement status report.
func (ss *SettlementService) ExportWithdrawal(wd *models.Withdrawal) error {
	pacs008, err := ss.CreatePacs008(wd)
	if err != nil {
		return err
	}

	if err := ss.SendToSettlement(pacs008); err != nil {
		return err
	}

	pacs002, err := ss.CreatePacs002(wd, "ACSC")
	if err != nil {
		return err
	}

	return ss.SendToSettlement(pacs002)
}

// CreatePacs008 creates a pacs.008 FIToFICustomerCreditTransfer message for
// the withdrawal's net amount.
func (ss *SettlementService) CreatePacs008(wd *models.Withdrawal) (*pacs_v08.FIToFICustomerCreditTransferV08, error) {
	msgId := uuid.New().String()
	creDtTm := time.Now()
	settlementDate := time.Now()

	doc := &pacs_v08.FIToFICustomerCreditTransferV08{
		GrpHdr: pacs_v08.GroupHeader93{
			MsgId:   common.Max35Text(msgId),
			CreDtTm: common.ISODateTime(creDtTm),
			NbOfTxs: "1",
			TtlIntrBkSttlmAmt: &pacs_v08.ActiveCurrencyAndAmount{
				Ccy:   common.ActiveCurrencyCode(wd.Currency),
				Value: float64(wd.NetAmount),
			},
			IntrBkSttlmDt: (*common.ISODate)(&settlementDate),
			SttlmInf: pacs_v08.SettlementInstruction7{
				SttlmMtd: "CLRG", // Clearing
			},
		},
		CdtTrfTxInf: []pacs_v08.CreditTransferTransaction39{
			{
				PmtId: pacs_v08.PaymentIdentification7{
					InstrId:    &[]common.Max35Text{common.Max35Text(wd.ReferenceID)}[0],
					EndToEndId: common.Max35Text(wd.ReferenceID),
					TxId:       &[]common.Max35Text{common.Max35Text(wd.ReferenceID)}[0],
				},
				IntrBkSttlmAmt: pacs_v08.ActiveCurrencyAndAmount{
					Ccy:   common.ActiveCurrencyCode(wd.Currency),
					Value: float64(wd.NetAmount),
				},
				IntrBkSttlmDt: (*common.ISODate)(&settlementDate),
				ChrgBr:        "SLEV",
				DbtrAgt: pacs_v08.BranchAndFinancialInstitutionIdentification6{
					FinInstnId: pacs_v08.FinancialInstitutionIdentification18{
						BICFI: &[]common.BICFIDec2014Identifier{common.BICFIDec2014Identifier(platformBIC)}[0],
					},
				},
				Dbtr: pacs_v08.PartyIdentification135{
					Nm: &[]common.Max140Text{common.Max140Text("RentPay Platform")}[0],
				},
				CdtrAgt: pacs_v08.BranchAndFinancialInstitutionIdentification6{
					FinInstnId: pacs_v08.FinancialInstitutionIdentification18{
						ClrSysMmbId: &pacs_v08.ClearingSystemMemberIdentification2{
							MmbId: common.Max35Text(wd.BankCode),
						},
					},
				},
				Cdtr: pacs_v08.PartyIdentification135{
					Nm: &[]common.Max140Text{common.Max140Text(vault.Masked)}[0],
				},
			},
		},
	}

	return doc, nil
}

// CreatePacs002 creates a pacs.002 payment status report for the withdrawal.
func (ss *SettlementService) CreatePacs002(wd *models.Withdrawal, status string) (*pacs_v08.FIToFIPaymentStatusReportV08, error) {
	msgId := uuid.New().String()
	creDtTm := time.Now()

	doc := &pacs_v08.FIToFIPaymentStatusReportV08{
		GrpHdr: pacs_v08.GroupHeader53{
			MsgId:   common.Max35Text(msgId),
			CreDtTm: common.ISODateTime(creDtTm),
		},
		TxInfAndSts: []pacs_v08.PaymentTransaction80{
			{
				OrgnlInstrId:    &[]common.Max35Text{common.Max35Text(wd.ReferenceID)}[0],
				OrgnlEndToEndId: &[]common.Max35Text{common.Max35Text(wd.ReferenceID)}[0],
				OrgnlTxId:       &[]common.Max35Text{common.Max35Text(wd.ReferenceID)}[0],
				TxSts:           &[]pacs_v08.ExternalPaymentTransactionStatus1Code{pacs_v08.ExternalPaymentTransactionStatus1Code(status)}[0], // ACCP, RJCT, ACSC, etc.
			},
		},
	}

	return doc, nil
}

// ConvertToXML converts an ISO 20022 document to an XML string.
func (ss *SettlementService) ConvertToXML(doc interface{}) (string, error) {
	xmlData, err := xml.MarshalIndent(doc, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to marshal XML: %w", err)
	}
	return xml.Header + string(xmlData), nil
}

// SendToSettlement hands a message to the settlement system.
func (ss *SettlementService) SendToSettlement(doc interface{}) error {
	xmlData, err := ss.ConvertToXML(doc)
	if err != nil {
		return err
	}

	// TODO: wire the clearing house endpoint once operations provisions it
	log.Printf("[SETTLEMENT] Outbound message:\n%s", xmlData)
	return nil
}
