package dom

import (
	"strings"
)

// Closest walks from el up through its ancestors and returns the first node that carries
// any of attrs.
func Closest(el Element, attrs ...string) Element {
	for cur := el; cur != nil; cur = cur.Parent() {
		for _, a := range attrs {
			if _, ok := cur.Attr(a); ok {
				return cur
			}
		}
	}
	return nil
}

// Find returns the first descendant of el (depth first, document order) matching pred.
func Find(el Element, pred func(Element) bool) Element {
	if el == nil {
		return nil
	}
	for _, c := range el.Children() {
		if pred(c) {
			return c
		}
		if found := Find(c, pred); found != nil {
			return found
		}
	}
	return nil
}

// FindByID searches el and its descendants.
func FindByID(el Element, id string) Element {
	if el == nil || id == "" {
		return nil
	}
	if el.ID() == id {
		return el
	}
	return Find(el, func(e Element) bool { return e.ID() == id })
}

func Tag(name string) func(Element) bool {
	return func(e Element) bool { return e.TagName() == name }
}

func ClassContains(sub string) func(Element) bool {
	return func(e Element) bool {
		for _, c := range e.Classes() {
			if strings.Contains(c, sub) {
				return true
			}
		}
		return false
	}
}

// InputValue reads the value of an input container: a nested textarea, then a nested
// input, then the container itself.
func InputValue(container Element) string {
	if container == nil {
		return ""
	}
	if ta := Find(container, Tag("textarea")); ta != nil {
		v := ta.Value()
		if v == "" {
			v = ta.Text()
		}
		return strings.TrimSpace(v)
	}
	if in := Find(container, Tag("input")); in != nil {
		return strings.TrimSpace(in.Value())
	}
	return strings.TrimSpace(container.Value())
}

// SelectedValue reads the visible selection of a dropdown container. It understands
// react-select style single-value containers, MUI native inputs and plain selects.
func SelectedValue(container Element) string {
	if container == nil {
		return ""
	}
	if sv := Find(container, ClassContains("singleValue")); sv != nil {
		if v := strings.TrimSpace(sv.Text()); v != "" {
			return v
		}
		return strings.TrimSpace(sv.Value())
	}
	if mui := Find(container, ClassContains("MuiSelect-nativeInput")); mui != nil {
		return strings.TrimSpace(mui.Value())
	}
	sel := container
	if sel.TagName() != "select" {
		sel = Find(container, Tag("select"))
	}
	if sel == nil {
		return ""
	}
	var first Element
	for _, opt := range sel.Children() {
		if opt.TagName() != "option" {
			continue
		}
		if first == nil {
			first = opt
		}
		if _, ok := opt.Attr("selected"); ok {
			return optionValue(opt)
		}
	}
	if first != nil {
		return optionValue(first)
	}
	return ""
}

func optionValue(opt Element) string {
	if v, ok := opt.Attr("value"); ok {
		return strings.TrimSpace(v)
	}
	return strings.TrimSpace(opt.Text())
}
