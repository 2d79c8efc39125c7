package auth

import "portal_broker/internal/model"

type OTP struct{}

func (*OTP) Type() model.LoginType {
	return model.LoginOTP
}

func (*OTP) BuildForm(cmd model.LoginCommand, tokens model.FormTokens) map[string]string {
	form := map[string]string{
		"j_username": cmd.UserID,
		"j_otpcode":  cmd.Code,
	}
	if tokens.LT != "" {
		form["lt"] = tokens.LT
	}
	if tokens.Execution != "" {
		form["execution"] = tokens.Execution
	}
	return form
}
