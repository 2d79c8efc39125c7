package auth

import "portal_broker/internal/model"

type Password struct{}

func (*Password) Type() model.LoginType {
	return model.LoginPassword
}

func (*Password) BuildForm(cmd model.LoginCommand, tokens model.FormTokens) map[string]string {
	form := map[string]string{
		"j_username":    cmd.UserID,
		"j_password":    cmd.Code,
		"tabFromId":     "tabFrom2",
		"authMethodIDs": "2",
	}
	if tokens.AuthMethodIDs != "" {
		form["authMethodIDs"] = tokens.AuthMethodIDs
	}
	if tokens.LT != "" {
		form["lt"] = tokens.LT
	}
	if tokens.Execution != "" {
		form["execution"] = tokens.Execution
	}
	if cmd.Captcha != "" {
		form["j_checkcode"] = cmd.Captcha
	}
	return form
}
